package alias

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/dronewatch/meshmapper/internal/storage"
)

func openTestStore(t *testing.T, dbPath string) *Store {
	t.Helper()

	db := storage.New(dbPath)
	t.Cleanup(func() { db.Close() })

	s, err := Open(db)
	if err != nil {
		t.Fatalf("Failed to open alias store: %v", err)
	}
	return s
}

func TestSetGetClear(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "aliases.sqlite"))

	if err := s.Set("aa:bb:cc:dd:ee:01", "survey-quad"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	label, err := s.Get("aa:bb:cc:dd:ee:01")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if label != "survey-quad" {
		t.Errorf("Expected survey-quad, got %q", label)
	}

	if err = s.Clear("aa:bb:cc:dd:ee:01"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, err = s.Get("aa:bb:cc:dd:ee:01"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after Clear, got %v", err)
	}
	if err = s.Clear("aa:bb:cc:dd:ee:01"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound clearing a cleared key, got %v", err)
	}
}

func TestSet_UnseenKeyIsLegal(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "aliases.sqlite"))

	// Labeling a device before its first sighting takes effect retroactively
	// through the registry's alias join.
	if err := s.Set("not:yet:seen", "expected-visitor"); err != nil {
		t.Fatalf("Set for unseen key failed: %v", err)
	}
	if got := s.Label("not:yet:seen"); got != "expected-visitor" {
		t.Errorf("Expected label for unseen key, got %q", got)
	}
	if got := s.Label("never:labeled"); got != "" {
		t.Errorf("Expected empty label, got %q", got)
	}
}

func TestPersistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "aliases.sqlite")

	first := openTestStore(t, dbPath)
	if err := first.Set("aa:bb:cc:dd:ee:02", "fence-hawk"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// A second store over the same file sees the label: aliases survive
	// process restart.
	second := openTestStore(t, dbPath)
	label, err := second.Get("aa:bb:cc:dd:ee:02")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if label != "fence-hawk" {
		t.Errorf("Expected persisted label fence-hawk, got %q", label)
	}

	if all := second.All(); len(all) != 1 {
		t.Errorf("Expected one alias, got %d", len(all))
	}
}
