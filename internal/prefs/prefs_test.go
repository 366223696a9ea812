package prefs

import (
	"errors"
	"math/rand"
	"path/filepath"
	"regexp"
	"testing"
)

type brokenStore struct{}

func (brokenStore) Get(string) (string, error) { return "", errors.New("quota") }
func (brokenStore) Set(string, string) error   { return errors.New("quota") }
func (brokenStore) Delete(string) error        { return errors.New("quota") }

func TestLoadOrCreate_DrawsAndPersistsDefaults(t *testing.T) {
	st := NewMemory()
	p := LoadOrCreate(st, rand.New(rand.NewSource(1)), nil)

	if !regexp.MustCompile(`^user-[a-z0-9]{4}$`).MatchString(p.Name()) {
		t.Fatalf("name=%q", p.Name())
	}
	if !regexp.MustCompile(`^hsl\(\d{1,3}, 80%, 50%\)$`).MatchString(p.Color()) {
		t.Fatalf("color=%q", p.Color())
	}
	if v, _ := st.Get(KeyName); v != p.Name() {
		t.Fatalf("name not persisted: %q", v)
	}

	again := LoadOrCreate(st, rand.New(rand.NewSource(2)), nil)
	if again.Name() != p.Name() || again.Color() != p.Color() {
		t.Fatalf("reload drew new identity: %q/%q", again.Name(), again.Color())
	}
}

func TestProfile_StoreFailureFallsBackToMemory(t *testing.T) {
	p := LoadOrCreate(brokenStore{}, rand.New(rand.NewSource(1)), nil)
	if p.Name() == "" || p.Color() == "" {
		t.Fatalf("defaults missing: %q %q", p.Name(), p.Color())
	}
	if err := p.SetEntityID("f1"); err != nil {
		t.Fatalf("set entity id: %v", err)
	}
	if p.EntityID() != "f1" {
		t.Fatalf("entity id=%q", p.EntityID())
	}
	if err := p.SetName("   "); err == nil {
		t.Fatalf("blank name accepted")
	}
}

func TestSQLite_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.sqlite")
	st, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	p := LoadOrCreate(st, rand.New(rand.NewSource(3)), nil)
	if err := p.SetName("alice"); err != nil {
		t.Fatalf("set name: %v", err)
	}
	_ = p.SetEntityID("f9")
	_ = st.Close()

	st, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	p = LoadOrCreate(st, rand.New(rand.NewSource(4)), nil)
	if p.Name() != "alice" || p.EntityID() != "f9" {
		t.Fatalf("name=%q id=%q", p.Name(), p.EntityID())
	}
	_ = p.SetEntityID("")
	if _, err := st.Get(KeyEntityID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("entity id not deleted: %v", err)
	}
}

func TestMemory_MissingKeyIsNotFound(t *testing.T) {
	st := NewMemory()
	if _, err := st.Get(KeyName); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
	_ = st.Set(KeyName, "alice")
	_ = st.Delete(KeyName)
	if v, err := st.Get(KeyName); !errors.Is(err, ErrNotFound) || v != "" {
		t.Fatalf("v=%q err=%v", v, err)
	}
}
