package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/pkg/crypto"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "core.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SIGNATURE_SECRET", "s3cret")

	cfg, err := Load(writeFile(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, []string{"EURUSD"}, cfg.Symbols)
	assert.Equal(t, 3, cfg.Risk.MaxConsecutiveLosses)
	assert.Equal(t, 7.0, cfg.Risk.DrawdownHaltPct)
	assert.Equal(t, 5*time.Second, cfg.Protocol.SignatureTTL())
	assert.Equal(t, 0.25, cfg.Shadow.PSIDriftThreshold)
	assert.Equal(t, 0.1, cfg.Launcher.CanaryPositionFraction)
	assert.Equal(t, time.Second, cfg.Protocol.HeartbeatInterval)
	assert.Equal(t, "shadow", cfg.Shadow.Mode)
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	t.Setenv("SIGNATURE_SECRET", "s3cret")
	t.Setenv("MAX_CONSECUTIVE_LOSSES", "5")

	path := writeFile(t, `
symbols: [EURUSD, GBPUSD]
risk:
  max_consecutive_losses: 4
  drawdown_warning_pct: 2
  drawdown_critical_pct: 4
  drawdown_halt_pct: 6
  contract_sizes:
    EURUSD: 100000
protocol:
  heartbeat_interval: 250ms
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"EURUSD", "GBPUSD"}, cfg.Symbols)
	assert.Equal(t, 5, cfg.Risk.MaxConsecutiveLosses)
	assert.Equal(t, 6.0, cfg.Risk.DrawdownHaltPct)
	assert.Equal(t, 100000.0, cfg.Risk.ContractSize("EURUSD"))
	assert.Equal(t, 1.0, cfg.Risk.ContractSize("XAUUSD"))
	assert.Equal(t, 250*time.Millisecond, cfg.Protocol.HeartbeatInterval)
}

func TestLoadRejectsBadOrdering(t *testing.T) {
	t.Setenv("SIGNATURE_SECRET", "s3cret")

	cases := map[string]string{
		"drawdown": "risk:\n  drawdown_warning_pct: 6\n  drawdown_critical_pct: 5\n  drawdown_halt_pct: 7\n",
		"psi":      "shadow:\n  psi_alert_threshold: 0.3\n  psi_drift_threshold: 0.2\n",
		"mode":     "shadow:\n  mode: yolo\n",
		"redis":    "gateway:\n  idempotency_store: redis\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("SIGNATURE_SECRET", "")
	_, err := Load(writeFile(t, "{}\n"))
	require.Error(t, err)
}

func TestLoadOpensSealedSecret(t *testing.T) {
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i * 3)
	}
	t.Setenv("MASTER_KEY", base64.StdEncoding.EncodeToString(key))

	s, err := crypto.NewSealer(key, 1)
	require.NoError(t, err)
	sealed, err := s.Seal("gateway-shared-secret")
	require.NoError(t, err)
	t.Setenv("SIGNATURE_SECRET", sealed)

	cfg, err := Load(writeFile(t, "{}\n"))
	require.NoError(t, err)
	assert.Equal(t, "gateway-shared-secret", cfg.Protocol.SignatureSecret)
}
