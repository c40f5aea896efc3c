package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestValidateCommand_PrintsWatchList(t *testing.T) {
	path := writeConfig(t, `
queue_path: /tmp/q.db
beacon:
  - files:
      /etc:
        mask: [create, modify]
        recurse: true
        auto_add: true
        exclude: [/etc/ssl]
      /var/www: {recurse: false}
  - coalesce: true
`)
	out, err := execute(t, "validate", "--config", path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, path+": ok", lines[0])
	assert.Equal(t, "  /etc  IN_MODIFY|IN_CREATE  recurse  auto_add  exclude=1", lines[1])
	assert.Equal(t, "  /var/www  IN_MODIFY|IN_CREATE|IN_DELETE", lines[2])
	assert.Equal(t, "  coalesce", lines[3])
}

func TestValidateCommand_RejectsInvalidBeacon(t *testing.T) {
	path := writeConfig(t, `
queue_path: /tmp/q.db
beacon:
  - files:
      /etc:
        mask: [bogus]
`)
	_, err := execute(t, "validate", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestValidateCommand_MissingFile(t *testing.T) {
	_, err := execute(t, "validate", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMasksCommand_ListsVocabulary(t *testing.T) {
	out, err := execute(t, "masks")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 17)
	assert.Contains(t, out, "create         0x00000100  IN_CREATE")
	assert.Contains(t, out, "modify         0x00000002  IN_MODIFY")
	assert.Contains(t, out, "onlydir        0x01000000  IN_ONLYDIR")
	assert.Contains(t, out, "oneshot        0x80000000  IN_ONESHOT")
	assert.Contains(t, out, "excl_unlink    0x04000000  IN_EXCL_UNLINK")
}

func TestRunCommand_FailsOnInvalidConfig(t *testing.T) {
	_, err := execute(t, "run", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
