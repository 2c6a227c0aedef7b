package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/app"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/buildinfo"
)

const testConfig = `
pipeline:
  resolution: 10
  maxtilepx: 100
output:
  sqlite:
    enabled: true
    path: %s
`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := strings.Replace(testConfig, "%s", filepath.Join(dir, "test.db"), 1)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	viper.Reset()
	t.Cleanup(viper.Reset)
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := RootCommand(buildinfo.NewContext("1.0.0", "2024-03-10", "abc123"))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(t.Context())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "frostytrail 1.0.0 (commit abc123, built 2024-03-10)\n", out)
}

func TestTilesCommand(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "--config", cfg, "tiles", "-n", "Yosemite", "-c", "-119.60,37.70,-119.57,37.725")
	require.NoError(t, err)
	assert.Contains(t, out, "Yosemite: EPSG:32611, 10m")
	assert.Contains(t, out, "INDEX")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	// Header line, column header and one line per tile.
	assert.Greater(t, len(lines), 3)
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	cfg := writeConfig(t)
	t.Setenv("FROSTY_SENTINELHUB_CLIENTSECRET", "s3cr3t")

	out, err := execute(t, "--config", cfg, "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "s3cr3t")
	assert.Contains(t, out, "[REDACTED]")
	assert.Contains(t, out, "maxtilepx: 100")
}

func TestSarRejectsBadArguments(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing coordinates", []string{"sar", "-n", "Yosemite"}},
		{"three coordinates", []string{"sar", "-n", "Yosemite", "-c", "-119.9,37.5,-119.2"}},
		{"bad date", []string{"sar", "-n", "Yosemite", "-c", "-119.9,37.5,-119.2,38.0", "-s", "2024/03/01"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, app.ExitFailed, app.CodeOf(err))
		})
	}
}

func TestExecuteReturnsExitCode(t *testing.T) {
	build := buildinfo.NewContext("", "", "")
	assert.Equal(t, app.ExitOK, Execute(t.Context(), build, []string{"version"}))
	assert.Equal(t, app.ExitFailed, Execute(t.Context(), build, []string{"no-such-command"}))
}
