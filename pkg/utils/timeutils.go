package utils

import (
	"fmt"
	"strconv"
	"time"
)

// FormatDuration formata uma duração para exibição amigável
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)

	h := d / time.Hour
	d -= h * time.Hour

	m := d / time.Minute
	d -= m * time.Minute

	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	} else if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// UnixMillis converte t para milissegundos Unix (score dos sorted sets)
func UnixMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// FromUnixMillis é o inverso de UnixMillis
func FromUnixMillis(ms int64) time.Time {
	return time.Unix(0, ms*int64(time.Millisecond))
}

// ParseTimestamp interpreta um timestamp em segundos, milissegundos Unix ou formatos textuais
func ParseTimestamp(timestamp string) (time.Time, error) {
	if n, err := strconv.ParseInt(timestamp, 10, 64); err == nil {
		if n > 1000000000000 {
			return FromUnixMillis(n), nil
		}
		return time.Unix(n, 0), nil
	}

	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}

	for _, format := range formats {
		if t, err := time.ParseInLocation(format, timestamp, time.Local); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("formato de timestamp não reconhecido: %s", timestamp)
}
