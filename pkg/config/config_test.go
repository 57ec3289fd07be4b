package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConfigPath_RejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	_, err := ValidateConfigPath(dir, "../evil.yaml")
	assert.Error(t, err)

	_, err = ValidateConfigPath(dir, "a/../../evil.yaml")
	assert.Error(t, err)
}

func TestValidateConfigPath_RejectsAbsolute(t *testing.T) {
	dir := t.TempDir()
	_, err := ValidateConfigPath(dir, "/etc/passwd")
	assert.Error(t, err)
}

func TestValidateConfigPath_AllowsNested(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	full, err := ValidateConfigPath(dir, "sub/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sub", "config.yaml"), full)
}

func TestValidateConfigPath_RejectsSymlinkEscape(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	outsideFile := filepath.Join(outside, "secret.yaml")
	require.NoError(t, os.WriteFile(outsideFile, []byte("x"), 0o644))
	link := filepath.Join(dir, "link.yaml")
	require.NoError(t, os.Symlink(outsideFile, link))

	_, err := ValidateConfigPath(dir, "link.yaml")
	assert.Error(t, err)
}

func TestDeriveJobName(t *testing.T) {
	assert.Equal(t, "Remote-RunA", DeriveJobName("Remote", "RunA"))
	assert.Equal(t, "UnnamedExperiment-UnnamedRun", DeriveJobName("", ""))
	assert.Equal(t, "a_b-c_d", DeriveJobName("a b", "c d"))
}
