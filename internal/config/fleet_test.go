package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botwarden/internal/policy"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func testFiles(dir string) FilesConfig {
	return FilesConfig{Dir: dir, Bots: "bots.txt", BotsBackup: "botsBackup.txt", Instructor: "instructor.txt", Exempt: "nocleaner.txt"}
}

func TestParseFleet(t *testing.T) {
	in := strings.Join([]string{
		"# main fleet",
		"*db",
		"*something-else",
		"/root/bots/a.py",
		"/root/bots/b.py|5",
		"",
		"/root/bots/c.py|5A10|R-60",
		"/root/bots/d.py|abc",
		"/root/bots/a.py|7",
	}, "\n")
	specs, dep, lineErrs, err := ParseFleet(strings.NewReader(in), "bots.txt")
	require.NoError(t, err)
	assert.True(t, dep)
	require.Len(t, specs, 3)
	assert.Equal(t, policy.RamOnly{}, specs[0].Policy)
	assert.Equal(t, policy.SimpleTimeout{Timeout: 5 * time.Minute}, specs[1].Policy)
	assert.Equal(t, policy.AlarmRestart{Alarm: 5 * time.Minute, Restart: 10 * time.Minute}, specs[2].Policy)
	assert.Equal(t, time.Hour, specs[2].Uptime)

	require.Len(t, lineErrs, 2)
	assert.Equal(t, 8, lineErrs[0].Line)
	assert.True(t, errors.Is(lineErrs[0], policy.ErrInvalidSpec))
	assert.Equal(t, 9, lineErrs[1].Line)
	assert.Contains(t, lineErrs[1].Error(), "duplicate worker")
}

func TestParseFleetWithoutDirective(t *testing.T) {
	_, dep, _, err := ParseFleet(strings.NewReader("/a.py\n#*db\n"), "x")
	require.NoError(t, err)
	assert.False(t, dep, "commented directive does not count")
}

func TestActiveFleetFile(t *testing.T) {
	dir := t.TempDir()
	files := testFiles(dir)

	path, mode := ActiveFleetFile(files)
	assert.Equal(t, ModeMain, mode, "missing instructor means main")
	assert.Equal(t, filepath.Join(dir, "bots.txt"), path)

	writeFile(t, dir, "instructor.txt", "  BACKUP\n")
	path, mode = ActiveFleetFile(files)
	assert.Equal(t, ModeBackup, mode)
	assert.Equal(t, filepath.Join(dir, "botsBackup.txt"), path)

	writeFile(t, dir, "instructor.txt", "main")
	_, mode = ActiveFleetFile(files)
	assert.Equal(t, ModeMain, mode)
}

func TestLoadFleet(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bots.txt", "*db\n/root/a.py|5\n/root/b.py\n/root/c.py|R-30\n")
	writeFile(t, dir, "nocleaner.txt", "/root/b.py\n/root/x.py|3A6\n/root/y.py|bad\n")

	fleet, lineErrs, err := LoadFleet(testFiles(dir))
	require.NoError(t, err)
	assert.Equal(t, ModeMain, fleet.Mode)
	assert.True(t, fleet.MonitorDependency)
	require.Len(t, lineErrs, 1)
	assert.Equal(t, filepath.Join(dir, "nocleaner.txt"), lineErrs[0].File)

	var paths []string
	for _, w := range fleet.Workers {
		paths = append(paths, w.Path)
	}
	assert.Equal(t, []string{"/root/a.py", "/root/b.py", "/root/c.py", "/root/x.py"}, paths)
	assert.True(t, fleet.Workers[1].Exempt)
	assert.Equal(t, policy.RamOnly{}, fleet.Workers[1].Policy, "the active file's policy wins")
	assert.True(t, fleet.Workers[3].Exempt)
	assert.Equal(t, []string{"/root/a.py", "/root/c.py"}, fleet.Cleanable())
	assert.Len(t, fleet.Paths(), 4)
}

func TestLoadFleetBackupAndMissingFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "instructor.txt", "backup")
	writeFile(t, dir, "bots.txt", "/root/main.py\n")
	writeFile(t, dir, "botsBackup.txt", "/root/backup.py\n")

	fleet, lineErrs, err := LoadFleet(testFiles(dir))
	require.NoError(t, err)
	assert.Empty(t, lineErrs)
	assert.Equal(t, ModeBackup, fleet.Mode)
	require.Len(t, fleet.Workers, 1)
	assert.Equal(t, "/root/backup.py", fleet.Workers[0].Path)
	assert.False(t, fleet.MonitorDependency)

	empty, _, err := LoadFleet(testFiles(t.TempDir()))
	require.NoError(t, err)
	assert.Empty(t, empty.Workers)
}
