package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration aceita "500ms"/"2s" ou nanossegundos inteiros no JSON
type Duration struct {
	time.Duration
}

// D cria um Duration
func D(d time.Duration) Duration {
	return Duration{d}
}

// MarshalJSON serializa como string legível
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON aceita string ou número
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("duração inválida %q: %w", value, err)
		}
		d.Duration = parsed
		return nil
	}
	return fmt.Errorf("duração inválida: %s", string(b))
}
