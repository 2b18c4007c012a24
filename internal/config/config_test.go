package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) LookupEnv {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", envOf(nil))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "custodian.db", cfg.Store.Path)
	assert.Equal(t, "custodian", cfg.Store.Prefix)
	assert.Equal(t, "custodian_records", cfg.Store.Table)
	assert.Equal(t, 4, cfg.Store.MaxConns)
	assert.Equal(t, 10*time.Second, cfg.Persistence.TimeoutDuration())
	assert.Equal(t, int64(64), cfg.Persistence.Concurrency)
	assert.True(t, cfg.Breaker.Enabled)
	assert.Equal(t, uint32(5), cfg.Breaker.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.Breaker.OpenTimeoutDuration())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoad_UserFile(t *testing.T) {
	path := writeFile(t, "custodian.cue", `
store: {
	backend: "pebble"
	path:    "/var/lib/custodian"
}
persistence: timeout: "250ms"
log: level: "debug"
`)
	cfg, err := Load(path, envOf(nil))
	require.NoError(t, err)

	assert.Equal(t, "pebble", cfg.Store.Backend)
	assert.Equal(t, "/var/lib/custodian", cfg.Store.Path)
	assert.Equal(t, 250*time.Millisecond, cfg.Persistence.TimeoutDuration())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format, "unset fields keep defaults")
}

func TestLoad_JSONFile(t *testing.T) {
	path := writeFile(t, "custodian.json", `{"store": {"backend": "memory"}}`)
	cfg, err := Load(path, envOf(nil))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Backend)
}

func TestLoad_EnvironmentWinsOverFile(t *testing.T) {
	path := writeFile(t, "custodian.cue", `
store: backend: "pebble"
log: level: "debug"
`)
	cfg, err := Load(path, envOf(map[string]string{
		"CUSTODIAN_STORE_BACKEND":           "redis",
		"CUSTODIAN_STORE_URL":               "redis://localhost:6379/0",
		"CUSTODIAN_PERSISTENCE_CONCURRENCY": "8",
		"CUSTODIAN_TRACING_ENABLED":         "true",
	}))
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Store.URL)
	assert.Equal(t, int64(8), cfg.Persistence.Concurrency)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level, "file values not overridden survive")
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "unknown field",
			file:    `store: colour: "blue"`,
			wantErr: "colour",
		},
		{
			name:    "unknown backend",
			file:    `store: backend: "floppy"`,
			wantErr: "store.backend",
		},
		{
			name:    "bad duration",
			file:    `persistence: timeout: "soon"`,
			wantErr: "persistence.timeout",
		},
		{
			name:    "zero concurrency",
			file:    `persistence: concurrency: 0`,
			wantErr: "persistence.concurrency",
		},
		{
			name:    "syntax error",
			file:    `store: {`,
			wantErr: "custodian.cue",
		},
		{
			name:    "non-integer env",
			env:     map[string]string{"CUSTODIAN_STORE_MAX_CONNS": "many"},
			wantErr: "CUSTODIAN_STORE_MAX_CONNS",
		},
		{
			name:    "invalid env value",
			env:     map[string]string{"CUSTODIAN_LOG_FORMAT": "xml"},
			wantErr: "log.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := ""
			if tt.file != "" {
				path = writeFile(t, "custodian.cue", tt.file)
			}
			_, err := Load(path, envOf(tt.env))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.cue"), envOf(nil))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, ".env", "CUSTODIAN_TEST_DOTENV=loaded\n")
	t.Setenv("CUSTODIAN_TEST_DOTENV", "")
	os.Unsetenv("CUSTODIAN_TEST_DOTENV")

	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "absent.env")))
	assert.Equal(t, "loaded", os.Getenv("CUSTODIAN_TEST_DOTENV"))
}

func TestFormat_RoundTrips(t *testing.T) {
	cfg, err := Load("", envOf(map[string]string{"CUSTODIAN_STORE_BACKEND": "memory"}))
	require.NoError(t, err)

	out, err := Format(cfg)
	require.NoError(t, err)
	assert.Regexp(t, `backend:\s+"memory"`, string(out))

	again, err := Load(writeFile(t, "effective.cue", string(out)), envOf(nil))
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}
