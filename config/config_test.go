package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alejandrodnm/polyledger/config"
	"github.com/alejandrodnm/polyledger/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	for _, k := range []string{"LOG_LEVEL", "LOG_FORMAT", "POLYLEDGER_DSN", "POLYGON_RPC_URL"} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.SigningTimeout())
	assert.Equal(t, 10*time.Second, cfg.SubmitTimeout())
	assert.Equal(t, 3, cfg.Pipeline.SubmitRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryBase())
	assert.Equal(t, 10*time.Second, cfg.DedupWindow())
	assert.Equal(t, domain.ChainPolygon, cfg.BalanceChain())
	assert.Equal(t, "GTC", cfg.Pipeline.OrderType)

	assert.Equal(t, 15, cfg.Reconcile.FillIntervalSeconds)
	assert.Equal(t, 300, cfg.Reconcile.BalanceIntervalSeconds)
	assert.Equal(t, 900, cfg.Reconcile.StaleAfterSeconds)
	assert.Equal(t, uint64(5), cfg.Reconcile.Confirmations)
	assert.Equal(t, 8, cfg.Reconcile.PollConcurrency)

	assert.Equal(t, ":8080", cfg.API.Listen)
	assert.Equal(t, time.Hour, cfg.SessionTTL())
	assert.Equal(t, domain.ChainPolygon, cfg.Network())
	assert.Equal(t, "https://clob.polymarket.com", cfg.Polymarket.CLOBBase)
	assert.Equal(t, "polyledger.db", cfg.Storage.DSN)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	path := writeYAML(t, `
pipeline:
  submit_retries: 5
  order_type: fok
  balance_chain: amoy
reconcile:
  transfer_interval_seconds: -1
  confirmations: 12
api:
  listen: "127.0.0.1:9000"
chain:
  network: amoy
  rpc_url: https://rpc-amoy.example
log:
  format: json
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Pipeline.SubmitRetries)
	assert.Equal(t, "FOK", cfg.Pipeline.OrderType)
	assert.Equal(t, domain.ChainAmoy, cfg.BalanceChain())
	assert.Equal(t, -1, cfg.Reconcile.TransferIntervalSeconds)
	assert.Less(t, config.Interval(cfg.Reconcile.TransferIntervalSeconds), time.Duration(0))
	assert.Equal(t, uint64(12), cfg.Reconcile.Confirmations)
	assert.Equal(t, "127.0.0.1:9000", cfg.API.Listen)
	assert.Equal(t, domain.ChainAmoy, cfg.Network())
	assert.Equal(t, "https://rpc-amoy.example", cfg.Chain.RPCURL)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("POLYLEDGER_MASTER_KEY", "master")
	t.Setenv("POLYLEDGER_JWT_SECRET", "jwt-secret")
	t.Setenv("POLY_API_KEY", "key")
	t.Setenv("POLY_API_SECRET", "secret")
	t.Setenv("POLY_API_PASSPHRASE", "pass")
	t.Setenv("POLYGON_RPC_URL", "https://rpc.example")
	t.Setenv("POLYLEDGER_DSN", ":memory:")

	path := writeYAML(t, "log:\n  level: warn\nstorage:\n  dsn: file.db\n")
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "master", cfg.Secrets.MasterKey)
	assert.Equal(t, "jwt-secret", cfg.Secrets.JWTSecret)
	assert.Equal(t, "key", cfg.Polymarket.APIKey)
	assert.Equal(t, "secret", cfg.Polymarket.Secret)
	assert.Equal(t, "pass", cfg.Polymarket.Passphrase)
	assert.Equal(t, "https://rpc.example", cfg.Chain.RPCURL)
	assert.Equal(t, ":memory:", cfg.Storage.DSN)
}

func TestLoad_SecretsIgnoredInYAML(t *testing.T) {
	t.Setenv("POLYLEDGER_MASTER_KEY", "")
	path := writeYAML(t, "secrets:\n  masterkey: leaked\n")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Secrets.MasterKey)
}

func TestLoad_Errors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = config.Load(writeYAML(t, "pipeline: [not, a, map]"))
	assert.Error(t, err)

	_, err = config.Load(writeYAML(t, "chain:\n  network: solana\n"))
	assert.ErrorContains(t, err, "chain.network")

	_, err = config.Load(writeYAML(t, "pipeline:\n  order_type: IOC\n"))
	assert.ErrorContains(t, err, "order_type")
}
