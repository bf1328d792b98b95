package procinfo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProc 在临时目录中构造 <pid>/exe 和 <pid>/cmdline
func fakeProc(t *testing.T, pid, exe, cmdline string) string {
	root := t.TempDir()
	dir := filepath.Join(root, pid)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.Symlink(exe, filepath.Join(dir, "exe")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cmdline"), []byte(cmdline), 0o644))
	return root
}

func TestIdentity(t *testing.T) {
	root := fakeProc(t, "60", "/system/bin/app_process64", "app_process64\x00-Xzygote\x00/system/bin\x00--start-system-server\x00")

	id, err := FS{Mount: root}.Identity(60)
	require.NoError(t, err)
	assert.Equal(t, 60, id.Pid)
	assert.Equal(t, "/system/bin/app_process64", id.Executable)
	assert.Equal(t, []string{"app_process64", "-Xzygote", "/system/bin", "--start-system-server"}, id.Args)
	assert.True(t, id.Matches("/system/bin/app_process64", "-Xzygote"))
}

func TestIdentityEmptyArgsDropped(t *testing.T) {
	root := fakeProc(t, "61", "/system/bin/sh", "sh\x00\x00-c\x00")

	id, err := FS{Mount: root}.Identity(61)
	require.NoError(t, err)
	assert.Equal(t, []string{"sh", "-c"}, id.Args)
	assert.False(t, id.Matches("/system/bin/app_process64", "-Xzygote"))
}

func TestIdentityMissingProcess(t *testing.T) {
	_, err := FS{Mount: t.TempDir()}.Identity(99)
	assert.Error(t, err)
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name string
		id   Identity
		want bool
	}{
		{"zygote", Identity{Executable: "/system/bin/app_process64", Args: []string{"app_process64", "-Xzygote"}}, true},
		{"flag missing", Identity{Executable: "/system/bin/app_process64", Args: []string{"app_process64"}}, false},
		{"flag in wrong position", Identity{Executable: "/system/bin/app_process64", Args: []string{"-Xzygote"}}, false},
		{"other binary", Identity{Executable: "/system/bin/app_process32", Args: []string{"app_process32", "-Xzygote"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.id.Matches("/system/bin/app_process64", "-Xzygote"))
		})
	}
}
