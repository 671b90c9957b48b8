package common

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCrashFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	previous := CrashLogDir
	t.Cleanup(func() { CrashLogDir = previous })

	InstallCrashHandler(dir)
	assert.DirExists(t, dir)

	path := WriteCrashFile(errors.New("boom"), "main.go:1")
	require.NotEmpty(t, path)
	assert.Equal(t, dir, filepath.Dir(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "=== TASKPULSE CRASH REPORT ===")
	assert.Contains(t, string(content), "boom")
	assert.Contains(t, string(content), "main.go:1")
}
