package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewCreatesUniqueRoots(t *testing.T) {
	root := t.TempDir()

	a, err := New(root, false)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	b, err := New(root, false)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()
	defer b.Close()

	if a.Root().Dir() == b.Root().Dir() {
		t.Errorf("two runs share a root: %s", a.Root().Dir())
	}
	if !strings.HasPrefix(filepath.Base(a.Root().Dir()), "compositor-") {
		t.Errorf("unexpected root name %s", a.Root().Dir())
	}
}

func TestSubScopesIsolateSameNamedFiles(t *testing.T) {
	m, err := New(t.TempDir(), false)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer m.Close()

	u1, err := m.Root().Sub("2024-06-01")
	if err != nil {
		t.Fatalf("Sub failed: %v", err)
	}
	u2, err := m.Root().Sub("2024-06-02")
	if err != nil {
		t.Fatalf("Sub failed: %v", err)
	}

	for _, s := range []*Scope{u1, u2} {
		if err := os.WriteFile(s.Path("band_3.tif"), []byte(s.Dir()), 0o644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	d1, _ := os.ReadFile(u1.Path("band_3.tif"))
	d2, _ := os.ReadFile(u2.Path("band_3.tif"))
	if string(d1) == string(d2) {
		t.Error("same-named intermediates collided across unit scopes")
	}
}

func TestCloseRemovesTree(t *testing.T) {
	m, err := New(t.TempDir(), false)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sub, _ := m.Root().Sub("unit")
	os.WriteFile(sub.Path("x.tif"), []byte("x"), 0o644)

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := os.Stat(m.Root().Dir()); !os.IsNotExist(err) {
		t.Error("workspace root survived Close")
	}
	// Idempotent.
	if err := m.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestPreserveKeepsTree(t *testing.T) {
	m, err := New(t.TempDir(), false)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	m.Preserve()
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := os.Stat(m.Root().Dir()); err != nil {
		t.Errorf("preserved workspace missing: %v", err)
	}
	os.RemoveAll(m.Root().Dir())
}
