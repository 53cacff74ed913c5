package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Len(t, cfg.Tanks, 4)
	assert.Equal(t, 3, cfg.PLC.StaleAfter)
	assert.Equal(t, 8, cfg.Pipeline.MinMatches)
	assert.Equal(t, []string{"xantato", "oleo_pinho", "sulfato_zinco"}, cfg.DosingChemicals())

	tank, ok := cfg.Tank("rougher")
	require.True(t, ok)
	tag, ok := cfg.Tag(tank.ValveTag)
	require.True(t, ok)
	assert.True(t, tag.Writable())
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`{
		"server": {"port": 9090},
		"plc": {"staleAfter": 5, "backoff": {"initial": "1s", "max": "10s", "jitter": 0}}
	}`))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.PLC.StaleAfter)
	assert.Equal(t, time.Second, cfg.PLC.Backoff.Initial.Duration)
	assert.Equal(t, 2*time.Second, cfg.PLC.WriteTimeout.Duration, "campos omitidos mantêm o padrão")
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse(strings.NewReader(`{"server": {"port": 8080, "porta": 1}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "porta")
}

func TestValidateRejectsUnknownTagReference(t *testing.T) {
	_, err := Parse(strings.NewReader(`{
		"plc": {"pollGroups": [{"name": "x", "interval": "1s", "tags": ["nao_existe"]}]}
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nao_existe")
}

func TestValidateRejectsWriteToReadOnlyTag(t *testing.T) {
	cfg := getDefaultConfig()
	cfg.Tanks[0].ValveTag = cfg.Tanks[0].LevelTag

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "não permite escrita")
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("DB10.DBD4")
	require.NoError(t, err)
	assert.Equal(t, Address{DB: 10, Offset: 4, Size: 4, Kind: 'D'}, addr)

	addr, err = ParseAddress("db3.dbx56.7")
	require.NoError(t, err)
	assert.Equal(t, Address{DB: 3, Offset: 56, Bit: 7, Size: 1, Kind: 'X'}, addr)
	assert.Equal(t, "DB3.DBX56.7", addr.String())

	for _, bad := range []string{"DB1.DBX2", "DB1.DBX2.8", "DB1.DBW2.1", "M10.0", ""} {
		_, err := ParseAddress(bad)
		assert.Error(t, err, bad)
	}
}

func TestTypeMustMatchAddressWidth(t *testing.T) {
	assert.NoError(t, checkType(Address{Kind: 'D'}, TypeReal))
	assert.NoError(t, checkType(Address{Kind: 'W'}, TypeInt))
	assert.Error(t, checkType(Address{Kind: 'W'}, TypeReal))
	assert.Error(t, checkType(Address{Kind: 'X'}, "string"))
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"redis": {"enabled": false}}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Redis.Enabled)

	_, err = Load(filepath.Join(t.TempDir(), "ausente.json"))
	assert.Error(t, err)
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"250ms"`)))
	assert.Equal(t, 250*time.Millisecond, d.Duration)

	require.NoError(t, d.UnmarshalJSON([]byte(`1000000000`)))
	assert.Equal(t, time.Second, d.Duration)

	assert.Error(t, d.UnmarshalJSON([]byte(`"dez"`)))

	out, err := D(3 * time.Second).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"3s"`, string(out))
}
