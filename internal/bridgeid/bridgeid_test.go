package bridgeid

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestGetOrCreateIsStable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	first, err := GetOrCreateIn(dir)
	if err != nil {
		t.Fatalf("GetOrCreateIn failed: %v", err)
	}
	if _, err := uuid.Parse(first); err != nil {
		t.Fatalf("id %q is not a uuid: %v", first, err)
	}
	second, err := GetOrCreateIn(dir)
	if err != nil {
		t.Fatalf("second GetOrCreateIn failed: %v", err)
	}
	if first != second {
		t.Errorf("id changed: %s -> %s", first, second)
	}
}

func TestGetOrCreateReplacesGarbage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("not-an-id\n"), 0600); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	id, err := GetOrCreateIn(dir)
	if err != nil {
		t.Fatalf("GetOrCreateIn failed: %v", err)
	}
	if id == "not-an-id" {
		t.Error("garbage id returned")
	}
}

func TestShort(t *testing.T) {
	if got := Short("0123456789abcdef"); got != "01234567" {
		t.Errorf("Short = %q", got)
	}
	if got := Short("abc"); got != "abc" {
		t.Errorf("Short = %q", got)
	}
}
