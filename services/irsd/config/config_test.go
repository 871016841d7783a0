package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "irsd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeYAML(t, "protocol: ./irs.toml\n"))
	require.NoError(t, err)
	require.Equal(t, ":7080", cfg.ListenAddress)
	require.Equal(t, 30*time.Second, cfg.Feeder.Interval.Duration)
	require.Equal(t, "sqlite", cfg.Indexer.Driver)
	require.Equal(t, "IRSD_JWT_SECRET", cfg.Auth.HMACSecretEnv)
	require.Equal(t, "IRSD_KEYSTORE_PASSPHRASE", cfg.Keystore.PassphraseEnv)
	require.Equal(t, 60, cfg.RateLimit.Burst)
}

func TestLoadParsesFeederSources(t *testing.T) {
	cfg, err := Load(writeYAML(t, `
listen: 127.0.0.1:9000
feeder:
  interval: 15s
  cache: /tmp/feeder.db
  sources:
    - name: sofr
      reporter: irs1qyqszqgpqyqszqgpqyqszqgpqyqszqgpa6vvyq
      endpoint: https://rates.example/sofr
      headers:
        x-api-key: k
indexer:
  driver: Postgres
  dsn: postgres://irs@localhost/irs
`))
	require.NoError(t, err)
	require.Equal(t, 15*time.Second, cfg.Feeder.Interval.Duration)
	require.Len(t, cfg.Feeder.Sources, 1)
	src := cfg.Feeder.Sources[0]
	require.Equal(t, "rate_per_second", src.RateKey)
	require.Equal(t, "updated_at", src.TimeKey)
	require.Equal(t, "k", src.Headers["x-api-key"])
	require.Equal(t, "postgres", cfg.Indexer.Driver)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown field":    "bogus: 1\n",
		"bad duration":     "feeder:\n  interval: soon\n",
		"short interval":   "feeder:\n  interval: 10ms\n",
		"missing cache":    "feeder:\n  sources:\n    - name: a\n      reporter: r\n      endpoint: http://x\n",
		"duplicate source": "feeder:\n  cache: c\n  sources:\n    - {name: a, reporter: r, endpoint: e}\n    - {name: a, reporter: r, endpoint: e}\n",
		"driver":           "indexer:\n  driver: mysql\n",
		"postgres dsn":     "indexer:\n  driver: postgres\n",
		"sample ratio":     "telemetry:\n  sample_ratio: 2\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeYAML(t, body))
			require.Error(t, err)
		})
	}
}
