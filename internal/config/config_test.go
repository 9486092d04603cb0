package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Aidin1998/pincex_execution/internal/compliance"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
log_level: debug
server:
  http_addr: ":9090"
  allowed_origins: ["https://desk.example.com"]
auth:
  jwt_secret: "0123456789abcdef0123"
database:
  driver: sqlite
  dsn: "file:orders.db"
kafka:
  enabled: true
  brokers: ["kafka-1:9092", "kafka-2:9092"]
  topic: execution.events
compliance:
  trading_groups: ["traders"]
  rules:
    - account: trader1
      state: ACTIVE
      schema:
        name: max_order_quantity
        parameters:
          - name: quantity
            value:
              kind: decimal
              decimal: "500"
directory:
  accounts: ["trader1", "manager1"]
  trading_groups:
    - name: desk
      traders: ["trader1"]
      managers: ["manager1"]
definitions:
  markets:
    - code: XNAS
      currency: USD
      destination: NASDAQ
session:
  start: "13:30"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.Server.HTTPAddr)
	assert.Equal(t, ":8081", cfg.Server.GRPCHealthAddr)
	assert.Equal(t, 256, cfg.Server.SendBuffer)
	assert.Equal(t, []string{"https://desk.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.False(t, cfg.Redis.Enabled)

	require.Len(t, cfg.Compliance.Rules, 1)
	rule := cfg.Compliance.Rules[0]
	assert.Equal(t, "trader1", rule.Account)
	assert.Equal(t, []string{"traders"}, cfg.Compliance.TradingGroups)
	assert.Equal(t, compliance.StateActive, rule.State)
	quantity, ok := rule.Schema.Parameter("quantity")
	require.True(t, ok)
	assert.Equal(t, compliance.KindDecimal, quantity.Kind)
	assert.True(t, decimal.NewFromInt(500).Equal(quantity.Decimal))

	require.Len(t, cfg.Directory.TradingGroups, 1)
	assert.Equal(t, []string{"manager1"}, cfg.Directory.TradingGroups[0].Managers)
	require.Len(t, cfg.Definitions.Markets, 1)
	assert.Equal(t, "NASDAQ", cfg.Definitions.Markets[0].Destination)

	start, err := cfg.Session.StartOn(time.Date(2024, 3, 4, 20, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 4, 13, 30, 0, 0, time.UTC), start)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("EXECUTION_SERVER_HTTP_ADDR", ":7000")
	t.Setenv("EXECUTION_DATABASE_DRIVER", "memory")
	t.Setenv("EXECUTION_LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.HTTPAddr)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing secret", "database:\n  driver: memory\n"},
		{"unknown driver", "auth:\n  jwt_secret: \"0123456789abcdef0123\"\ndatabase:\n  driver: mysql\n"},
		{"sqlite without dsn", "auth:\n  jwt_secret: \"0123456789abcdef0123\"\ndatabase:\n  driver: sqlite\n"},
		{"bad session start", "auth:\n  jwt_secret: \"0123456789abcdef0123\"\nsession:\n  start: noon\n"},
		{"rule without target", "auth:\n  jwt_secret: \"0123456789abcdef0123\"\ncompliance:\n  rules:\n    - state: ACTIVE\n      schema:\n        name: reject_submissions\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
