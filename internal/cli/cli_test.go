package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memgov"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("MEMGOV_CONFIG", "")

	cmd := NewRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memgov.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestConfigCmd_Defaults(t *testing.T) {
	out, err := execute(t, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "max_memory_mb: 512")
	assert.Contains(t, out, "lod_level: auto")

	cfg, err := memgov.ParseConfig([]byte(out))
	require.NoError(t, err)
	assert.Len(t, cfg.Pools, 5)
}

func TestConfigCmd_File(t *testing.T) {
	path := writeConfig(t, "max_memory_mb: 64\nlod_level: low\n")

	out, err := execute(t, "--config", path, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "max_memory_mb: 64")
	assert.Contains(t, out, "lod_level: low")
}

func TestConfigCmd_Invalid(t *testing.T) {
	path := writeConfig(t, "cache_strategy: greedy\n")

	_, err := execute(t, "--config", path, "config")
	var cfgErr *memgov.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "cache_strategy", cfgErr.Field)
}

func TestSimulateCmd(t *testing.T) {
	out, err := execute(t, "simulate", "--items", "240", "--dim", "4", "--k", "3", "--ticks", "6", "--lookups", "20")
	require.NoError(t, err)

	var res struct {
		Status struct {
			CurrentLod string `json:"currentLod"`
			Pools      []struct {
				ID    string `json:"id"`
				Items int    `json:"items"`
			} `json:"pools"`
		} `json:"status"`
		Prediction struct {
			CurrentUsageBytes int64 `json:"currentUsageBytes"`
		} `json:"prediction"`
		Clusters []struct {
			MemberCount int `json:"memberCount"`
		} `json:"clusters"`
		Metrics struct {
			TickCount int64 `json:"tickCount"`
		} `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))

	assert.NotEmpty(t, res.Status.CurrentLod)
	assert.Equal(t, int64(6), res.Metrics.TickCount)
	assert.Positive(t, res.Prediction.CurrentUsageBytes)
	require.NotEmpty(t, res.Clusters)

	var members int
	for _, c := range res.Clusters {
		members += c.MemberCount
	}
	for _, p := range res.Status.Pools {
		if p.ID == "embedding" {
			assert.Equal(t, p.Items, members)
		}
	}
}

func TestSimulateCmd_InvalidFlags(t *testing.T) {
	_, err := execute(t, "simulate", "--items", "0")
	assert.Error(t, err)
}

func TestRunCmd(t *testing.T) {
	path := writeConfig(t, `
max_memory_mb: 16
pressure_check_interval: 20ms
layers:
  - name: local
    kind: memory
    backend: memory
    capacity_bytes: 65536
  - name: rows
    kind: relational
    backend: sqlite
`)
	out, err := execute(t, "--config", path, "run", "--for", "120ms", "--interval", "30ms", "--metrics")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.NotEmpty(t, lines)

	var st memgov.Status
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &st))
	require.Len(t, st.CacheLayers, 2)
	assert.Contains(t, out, "tickCount")
}

func TestRunCmd_UnknownBackend(t *testing.T) {
	path := writeConfig(t, `
layers:
  - name: tape
    kind: object
    backend: tape
`)
	_, err := execute(t, "--config", path, "run", "--for", "10ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown backend "tape"`)
}

func TestSplitTarget(t *testing.T) {
	bucket, prefix := splitTarget("/cache/memgov/l2/")
	assert.Equal(t, "cache", bucket)
	assert.Equal(t, "memgov/l2", prefix)

	bucket, prefix = splitTarget("cache")
	assert.Equal(t, "cache", bucket)
	assert.Empty(t, prefix)
}

func TestLoggerFlags(t *testing.T) {
	_, err := execute(t, "--log-level", "loud", "simulate", "--items", "10", "--ticks", "1")
	assert.Error(t, err)

	_, err = execute(t, "--log-format", "xml", "simulate", "--items", "10", "--ticks", "1")
	assert.Error(t, err)
}
