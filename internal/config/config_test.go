package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every key Load reads so host settings cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DB_URL", "DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS", "DB_CONN_MAX_LIFETIME_MIN", "DB_STATEMENT_TIMEOUT_MS",
		"CONFIG_BACKEND", "LOOP_CONFIG_FILE", "MIGRATIONS_DIR", "CONFIG_POLL_INTERVAL_MS", "CONFIG_NOTIFY_CHANNEL",
		"VALUE_STORE_BACKEND", "REDIS_URL", "VALUE_STORE_NAMESPACE", "VALUE_STORE_TIMEOUT_MS",
		"VALUE_STORE_BREAKER_FAILURES", "VALUE_STORE_BREAKER_OPEN_MS",
		"INPUT_MAX_AGE_MS", "SWITCH_FALLBACK", "LOOP_UNHEALTHY_THRESHOLD", "TUNING_DEFAULT_TIMEOUT_SEC",
		"HEALTH_PORT", "ADMIN_ENABLED", "ADMIN_PORT", "LOG_LEVEL",
		"TRACING_ENABLED", "TRACING_ENDPOINT", "TRACING_INSECURE", "TRACING_SAMPLE_RATIO",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ConfigBackendPostgres, cfg.Loops.Backend)
	assert.Equal(t, 10, cfg.DB.MaxOpenConns)
	assert.Equal(t, 2, cfg.DB.MaxIdleConns)
	assert.Equal(t, 30*time.Minute, cfg.DB.ConnMaxLifetime)
	assert.Equal(t, dbStatementTimeoutDefaultMS, cfg.DB.StatementTimeoutMS)
	assert.Equal(t, 5*time.Second, cfg.Loops.PollInterval)
	assert.Equal(t, "automation:config", cfg.Loops.NotifyChannel)
	assert.Equal(t, ValueStoreBackendRedis, cfg.ValueStore.Backend)
	assert.Equal(t, "automation", cfg.ValueStore.Namespace)
	assert.Equal(t, 250*time.Millisecond, cfg.ValueStore.Timeout)
	assert.Equal(t, 5, cfg.ValueStore.BreakerFailures)
	assert.Equal(t, time.Duration(0), cfg.Control.InputMaxAge)
	assert.Equal(t, "hold", cfg.Control.SwitchFallback)
	assert.Equal(t, 5, cfg.Control.UnhealthyThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Tuning.DefaultTimeout)
	assert.Equal(t, 8080, cfg.Server.HealthPort)
	assert.True(t, cfg.Server.AdminEnabled)
	assert.Equal(t, 8081, cfg.Server.AdminPort)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoad_EnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_BACKEND", "FILE")
	t.Setenv("LOOP_CONFIG_FILE", "/etc/automation/loops.yaml")
	t.Setenv("VALUE_STORE_BACKEND", "memory")
	t.Setenv("INPUT_MAX_AGE_MS", "3000")
	t.Setenv("SWITCH_FALLBACK", "manual")
	t.Setenv("TUNING_DEFAULT_TIMEOUT_SEC", "600")
	t.Setenv("ADMIN_ENABLED", "false")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("TRACING_SAMPLE_RATIO", "1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ConfigBackendFile, cfg.Loops.Backend)
	assert.Equal(t, "/etc/automation/loops.yaml", cfg.Loops.File)
	assert.Equal(t, ValueStoreBackendMemory, cfg.ValueStore.Backend)
	assert.Equal(t, 3*time.Second, cfg.Control.InputMaxAge)
	assert.Equal(t, "manual", cfg.Control.SwitchFallback)
	assert.Equal(t, 10*time.Minute, cfg.Tuning.DefaultTimeout)
	assert.False(t, cfg.Server.AdminEnabled)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRatio)
}

func TestValidate_NamesOffendingKey(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		key  string
	}{
		{"unknown config backend", map[string]string{"CONFIG_BACKEND": "etcd"}, "CONFIG_BACKEND"},
		{"file backend without path", map[string]string{"CONFIG_BACKEND": "file"}, "LOOP_CONFIG_FILE"},
		{"unknown value store", map[string]string{"VALUE_STORE_BACKEND": "opc"}, "VALUE_STORE_BACKEND"},
		{"negative statement timeout", map[string]string{"DB_STATEMENT_TIMEOUT_MS": "-1"}, "DB_STATEMENT_TIMEOUT_MS"},
		{"zero poll interval", map[string]string{"CONFIG_POLL_INTERVAL_MS": "0"}, "CONFIG_POLL_INTERVAL_MS"},
		{"negative input age", map[string]string{"INPUT_MAX_AGE_MS": "-5"}, "INPUT_MAX_AGE_MS"},
		{"bad switch fallback", map[string]string{"SWITCH_FALLBACK": "auto"}, "SWITCH_FALLBACK"},
		{"zero unhealthy threshold", map[string]string{"LOOP_UNHEALTHY_THRESHOLD": "0"}, "LOOP_UNHEALTHY_THRESHOLD"},
		{"zero tuning timeout", map[string]string{"TUNING_DEFAULT_TIMEOUT_SEC": "0"}, "TUNING_DEFAULT_TIMEOUT_SEC"},
		{"admin on health port", map[string]string{"ADMIN_PORT": "8080"}, "ADMIN_PORT"},
		{"health port out of range", map[string]string{"HEALTH_PORT": "70000"}, "HEALTH_PORT"},
		{"bad log level", map[string]string{"LOG_LEVEL": "trace"}, "LOG_LEVEL"},
		{"sample ratio above one", map[string]string{"TRACING_SAMPLE_RATIO": "2"}, "TRACING_SAMPLE_RATIO"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestGetEnvInt_InvalidValue(t *testing.T) {
	t.Setenv("TEST_INT", "abc")
	assert.Equal(t, 42, getEnvInt("TEST_INT", 42))
}

func TestGetEnvInt_ValidValue(t *testing.T) {
	t.Setenv("TEST_INT", " 99 ")
	assert.Equal(t, 99, getEnvInt("TEST_INT", 42))
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "")
	assert.True(t, getEnvBool("TEST_BOOL", true))
	t.Setenv("TEST_BOOL", "0")
	assert.False(t, getEnvBool("TEST_BOOL", true))
	t.Setenv("TEST_BOOL", "maybe")
	assert.True(t, getEnvBool("TEST_BOOL", true))
}
