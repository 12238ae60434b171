package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "samwise.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

const sampleConfig = `
endpoint: "tcp://0.0.0.0:11311"
backend_type: rmq
backends:
  - name: b1
    host: localhost
    port: 5672
    user: guest
    pass: guest
    heartbeat_s: 10
    tries: -1
    interval_ms: "500ms"
  - name: b2
    host: localhost
    port: 5673
    user: guest
    pass: guest
    heartbeat_s: 10
    tries: 5
    interval_ms: "2s"
buffer:
  home: /var/lib/samwise
  file: samwise.pkv
  retry_count: 3
  retry_interval_ms: "5s"
  retry_threshold_ms: "1min"
`

func TestLoadParsesFullConfig(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	opts, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "tcp://0.0.0.0:11311", opts.Endpoint)
	require.Equal(t, "rmq", opts.BackendType)
	require.Len(t, opts.Backends, 2)

	b1 := opts.Backends[0]
	require.Equal(t, "b1", b1.Name)
	require.Equal(t, int32(-1), b1.Tries)
	require.Equal(t, 500*time.Millisecond, b1.Interval)

	b2 := opts.Backends[1]
	require.Equal(t, 2*time.Second, b2.Interval)

	require.Equal(t, 5*time.Second, opts.Buffer.RetryInterval)
	require.Equal(t, time.Minute, opts.Buffer.RetryThreshold)
}

func TestLoadRejectsUnknownBackendType(t *testing.T) {
	path := writeConfig(t, `
endpoint: "tcp://0.0.0.0:11311"
backend_type: kafka
backends:
  - name: b1
    host: localhost
    port: 5672
buffer:
  home: .
  file: samwise.pkv
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingEndpoint(t *testing.T) {
	path := writeConfig(t, `
backend_type: rmq
backends:
  - name: b1
    host: localhost
    port: 5672
buffer:
  home: .
  file: samwise.pkv
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsDuplicateBackendNames(t *testing.T) {
	path := writeConfig(t, `
endpoint: "tcp://0.0.0.0:11311"
backend_type: rmq
backends:
  - name: b1
    host: localhost
    port: 5672
  - name: b1
    host: otherhost
    port: 5673
buffer:
  home: .
  file: samwise.pkv
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadAppliesBufferDefaults(t *testing.T) {
	path := writeConfig(t, `
endpoint: "tcp://0.0.0.0:11311"
backend_type: rmq
backends:
  - name: b1
    host: localhost
    port: 5672
`)
	opts, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, int32(3), opts.Buffer.RetryCount)
	require.Equal(t, 5*time.Second, opts.Buffer.RetryInterval)
	require.Equal(t, 2*time.Second, opts.Buffer.RetryThreshold)
}

func TestDurationSuffixDays(t *testing.T) {
	path := writeConfig(t, `
endpoint: "tcp://0.0.0.0:11311"
backend_type: rmq
backends:
  - name: b1
    host: localhost
    port: 5672
    interval_ms: "1d"
buffer:
  home: .
  file: samwise.pkv
`)
	opts, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 24*time.Hour, opts.Backends[0].Interval)
}
