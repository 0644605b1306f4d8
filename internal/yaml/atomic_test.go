package yaml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"
)

type snapshot struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	TestsRun      int    `yaml:"tests_run"`
}

func readSnapshot(t *testing.T, path string) snapshot {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var s snapshot
	if err := yamlv3.Unmarshal(content, &s); err != nil {
		t.Fatalf("unmarshal %s: %v", path, err)
	}
	return s
}

func TestAtomicWrite_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "metrics", "snapshot.yaml")
	want := snapshot{SchemaVersion: 1, FileType: FileTypeMetricsSnapshot, TestsRun: 12}
	if err := AtomicWrite(path, want); err != nil {
		t.Fatalf("AtomicWrite: %v", err)
	}
	if got := readSnapshot(t, path); got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o644 {
		t.Errorf("permissions: got %04o, want 0644", perm)
	}
}

func TestAtomicWrite_KeepsPreviousAsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.yaml")
	if err := AtomicWrite(path, snapshot{SchemaVersion: 1, TestsRun: 1}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := os.Stat(path + ".bak"); !os.IsNotExist(err) {
		t.Error("first write should not create a backup")
	}
	if err := AtomicWrite(path, snapshot{SchemaVersion: 1, TestsRun: 2}); err != nil {
		t.Fatalf("second write: %v", err)
	}

	if got := readSnapshot(t, path).TestsRun; got != 2 {
		t.Errorf("current: got %d, want 2", got)
	}
	if got := readSnapshot(t, path+".bak").TestsRun; got != 1 {
		t.Errorf("backup: got %d, want 1", got)
	}
}

func TestAtomicWriteRaw_RejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.yaml")
	if err := AtomicWrite(path, snapshot{SchemaVersion: 1, TestsRun: 5}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err := AtomicWriteRaw(path, []byte("tests_run: [unclosed"))
	if err == nil || !strings.Contains(err.Error(), "yaml validation failed") {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := readSnapshot(t, path).TestsRun; got != 5 {
		t.Errorf("original changed after rejected write: got %d", got)
	}
	if _, err := os.Stat(path + ".bak"); !os.IsNotExist(err) {
		t.Error("rejected write should not create a backup")
	}
}

func TestAtomicWrite_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.yaml")
	for i := 0; i < 3; i++ {
		if err := AtomicWrite(path, snapshot{TestsRun: i}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	_ = AtomicWriteRaw(path, []byte(":\n\t- bad"))

	matches, err := filepath.Glob(filepath.Join(dir, tempPattern))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}
