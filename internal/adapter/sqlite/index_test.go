package sqlite

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vertextoedge/relayget/internal/domain"
	"github.com/vertextoedge/relayget/internal/sheetstore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIndex_SetGet(t *testing.T) {
	s := openTestStore(t)
	idx := s.Index("/data/a.iso", 20)

	if idx.IsValid() {
		t.Fatal("IsValid() = true before any SetData")
	}
	if _, err := idx.GetData(); !errors.Is(err, domain.ErrJobNotExists) {
		t.Errorf("GetData() error = %v, want ErrJobNotExists", err)
	}

	first := []byte{0xFF, 0x00, 0x80}
	if err := idx.SetData(first); err != nil {
		t.Fatalf("SetData() error = %v", err)
	}
	second := []byte{0xFF, 0xF0, 0xF0}
	if err := idx.SetData(second); err != nil {
		t.Fatalf("SetData() overwrite error = %v", err)
	}

	if !idx.IsValid() {
		t.Error("IsValid() = false after SetData")
	}
	got, err := idx.GetData()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, second) {
		t.Errorf("GetData() = %x, want %x", got, second)
	}
	if !strings.HasPrefix(idx.Identifier(), "sqlite:") || !strings.HasSuffix(idx.Identifier(), "#/data/a.iso") {
		t.Errorf("Identifier() = %q", idx.Identifier())
	}
}

func TestIndex_RejectsWrongLength(t *testing.T) {
	s := openTestStore(t)
	idx := s.Index("/data/a.iso", 20)

	if err := idx.SetData([]byte{1, 2}); !errors.Is(err, domain.ErrCorruptIndex) {
		t.Errorf("SetData(short) error = %v, want ErrCorruptIndex", err)
	}
	if idx.IsValid() {
		t.Error("rejected data was stored")
	}
}

func TestStore_ListAndDelete(t *testing.T) {
	s := openTestStore(t)

	a := s.Index("/data/a", 16)
	b := s.Index("/data/b", 8)
	if err := a.SetData([]byte{0xFF, 0x01}); err != nil {
		t.Fatal(err)
	}
	if err := b.SetData([]byte{0x03}); err != nil {
		t.Fatal(err)
	}

	entries, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("List() = %+v, want 2 entries", entries)
	}
	done := map[string]int64{}
	for _, e := range entries {
		done[e.SavePath] = e.DoneSheets
	}
	if done["/data/a"] != 9 || done["/data/b"] != 2 {
		t.Errorf("done sheets = %v, want a:9 b:2", done)
	}

	if err := a.Delete(); err != nil {
		t.Fatal(err)
	}
	if a.IsValid() {
		t.Error("IsValid() = true after Delete")
	}
	if !b.IsValid() {
		t.Error("Delete removed the wrong row")
	}
}

func TestIndex_BacksSheetStore(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "index.db")
	out := filepath.Join(dir, "out.bin")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	store, err := sheetstore.Open(out, 30, db.Index(out, 10), 3)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Write(make([]byte, 9), 4, 3); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	store, err = sheetstore.Open(out, 30, db.Index(out, 10), 3)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	for i := int64(0); i < 10; i++ {
		want := i >= 4 && i < 7
		if store.IsDone(i) != want {
			t.Errorf("IsDone(%d) = %v, want %v", i, store.IsDone(i), want)
		}
	}
}

func TestIndex_DifferentGeometryIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t)
	out := filepath.Join(dir, "out.bin")

	if err := s.Index(out, 8).SetData([]byte{0xFF}); err != nil {
		t.Fatal(err)
	}
	_, err := sheetstore.Open(out, 100, s.Index(out, 100), 1)
	if !errors.Is(err, domain.ErrCorruptIndex) {
		t.Errorf("Open() with a mismatched stored index error = %v, want ErrCorruptIndex", err)
	}
}

func TestStore_DeleteOlderThan(t *testing.T) {
	s := openTestStore(t)
	if err := s.Index("/data/old", 8).SetData([]byte{0x01}); err != nil {
		t.Fatal(err)
	}
	if err := s.Index("/data/new", 8).SetData([]byte{0x02}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.Exec(`UPDATE sheet_index SET updated_at = datetime('now', '-3 days') WHERE save_path = '/data/old'`); err != nil {
		t.Fatal(err)
	}

	n, err := s.DeleteOlderThan(24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("DeleteOlderThan() = %d, want 1", n)
	}
	entries, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].SavePath != "/data/new" {
		t.Errorf("List() = %+v, want only /data/new", entries)
	}
}

func TestStore_DeleteOlderThanKeeps(t *testing.T) {
	s := openTestStore(t)
	for _, path := range []string{"/data/a", "/data/b", "/data/c"} {
		if err := s.Index(path, 8).SetData([]byte{0x01}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.db.Exec(`UPDATE sheet_index SET updated_at = datetime('now', '-3 days')`); err != nil {
		t.Fatal(err)
	}

	n, err := s.DeleteOlderThan(24*time.Hour, "/data/a", "/data/c")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("DeleteOlderThan() = %d, want 1", n)
	}
	entries, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("List() = %+v, want /data/a and /data/c", entries)
	}
	for _, e := range entries {
		if e.SavePath == "/data/b" {
			t.Errorf("/data/b survived expiry")
		}
	}
}
