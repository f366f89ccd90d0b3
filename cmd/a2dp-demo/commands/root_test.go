package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		verbose, configPath, globalConfig = false, "", nil
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := runRoot(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "a2dp-demo dev")
}

func TestVersion_VerboseShowsConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a2dp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("adapter: hci3\nrole: sink\n"), 0644))

	out, err := runRoot(t, "-v", "-c", path, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "adapter: hci3")
	assert.Contains(t, out, "role:    sink")
	assert.True(t, IsVerbose())
}

func TestRoot_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a2dp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("role: both\n"), 0644))

	_, err := runRoot(t, "-c", path, "version")
	assert.Error(t, err)
}
