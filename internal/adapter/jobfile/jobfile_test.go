package jobfile

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/vertextoedge/relayget/internal/domain"
	"github.com/vertextoedge/relayget/internal/sheetstore"
)

func testHeader(dir string) Header {
	return Header{
		URL:              "http://example.com/big.iso",
		RedirectedURL:    "http://mirror.example.com/big.iso",
		Cookies:          "sid=abc; lang=en",
		SavePath:         filepath.Join(dir, "big.iso"),
		UseRedirectedURL: true,
		FileSize:         12345,
		SheetSize:        2,
	}
}

func TestJobFile_RoundTrip(t *testing.T) {
	h := testHeader(t.TempDir())

	j, err := Create(h)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if j.Path() != h.SavePath+Suffix {
		t.Errorf("Path() = %q", j.Path())
	}

	data, _ := j.GetData()
	if len(data) != 772 {
		t.Fatalf("index length = %d, want 772", len(data))
	}
	data[0] = 0xC0
	data[771] = 0x80
	if err := j.SetData(data); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(h.SavePath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer reopened.Close()

	if got := reopened.Header(); got != h {
		t.Errorf("Header() = %+v, want %+v", got, h)
	}
	got, _ := reopened.GetData()
	if !bytes.Equal(got, data) {
		t.Error("index changed across reopen")
	}
	if !reopened.IsValid() {
		t.Error("IsValid() = false for an open job file")
	}
	if reopened.Header().TargetURL() != h.RedirectedURL {
		t.Errorf("TargetURL() = %q, want redirected URL", reopened.Header().TargetURL())
	}
}

func TestJobFile_CorruptMagic(t *testing.T) {
	h := testHeader(t.TempDir())
	j, err := Create(h)
	if err != nil {
		t.Fatal(err)
	}
	j.Close()

	f, err := os.OpenFile(PathFor(h.SavePath), os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteAt([]byte{0xDE, 0xAD}, 0)
	f.Close()

	if _, err := Open(h.SavePath); !errors.Is(err, domain.ErrCorruptJobFile) {
		t.Errorf("Open() error = %v, want ErrCorruptJobFile", err)
	}
}

func TestJobFile_Truncated(t *testing.T) {
	h := testHeader(t.TempDir())
	full := encode(h, make([]byte, domain.PackedIndexLen(h.SheetCount())))

	for _, n := range []int{0, 3, 10, len(full) - 800, len(full) - 1} {
		if _, _, err := decode(full[:n]); !errors.Is(err, domain.ErrCorruptJobFile) {
			t.Errorf("decode(%d of %d bytes) error = %v, want ErrCorruptJobFile", n, len(full), err)
		}
	}
	if _, _, err := decode(full); err != nil {
		t.Errorf("decode(full) error = %v", err)
	}
}

func TestJobFile_ZeroSheetSizeIsCorrupt(t *testing.T) {
	h := testHeader(t.TempDir())
	buf := encode(h, nil)
	// Zero out sheetSize, the last 8 bytes before the index.
	copy(buf[len(buf)-8:], make([]byte, 8))
	if _, _, err := decode(buf); !errors.Is(err, domain.ErrCorruptJobFile) {
		t.Errorf("decode() error = %v, want ErrCorruptJobFile", err)
	}
}

func TestJobFile_Errors(t *testing.T) {
	dir := t.TempDir()
	h := testHeader(dir)

	if _, err := Open(h.SavePath); !errors.Is(err, domain.ErrJobNotExists) {
		t.Errorf("Open(missing) error = %v, want ErrJobNotExists", err)
	}

	j, err := Create(h)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	if _, err := Create(h); !errors.Is(err, domain.ErrJobExists) {
		t.Errorf("Create(existing) error = %v, want ErrJobExists", err)
	}
	if err := j.SetData([]byte{1}); !errors.Is(err, domain.ErrCorruptIndex) {
		t.Errorf("SetData(short) error = %v, want ErrCorruptIndex", err)
	}

	bad := h
	bad.SheetSize = 0
	bad.SavePath = filepath.Join(dir, "other")
	if _, err := Create(bad); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("Create(sheetSize=0) error = %v, want ErrInvalidInput", err)
	}
}

func TestJobFile_SavePathMismatch(t *testing.T) {
	dir := t.TempDir()
	h := testHeader(dir)
	j, err := Create(h)
	if err != nil {
		t.Fatal(err)
	}
	j.Close()

	// A job file copied next to a renamed output must not be trusted.
	moved := filepath.Join(dir, "renamed.iso")
	if err := os.Rename(PathFor(h.SavePath), PathFor(moved)); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(moved); !errors.Is(err, domain.ErrSavePathMismatch) {
		t.Errorf("Open() error = %v, want ErrSavePathMismatch", err)
	}
}

func TestJobFile_Remove(t *testing.T) {
	h := testHeader(t.TempDir())
	j, err := Create(h)
	if err != nil {
		t.Fatal(err)
	}
	if !Exists(h.SavePath) {
		t.Fatal("Exists() = false after Create")
	}
	if err := j.Remove(); err != nil {
		t.Fatal(err)
	}
	if Exists(h.SavePath) {
		t.Error("job file still present after Remove")
	}
	if j.IsValid() {
		t.Error("IsValid() = true after Remove")
	}
	if err := j.Remove(); err != nil {
		t.Errorf("second Remove() error = %v", err)
	}
}

func TestJobFile_BacksSheetStore(t *testing.T) {
	dir := t.TempDir()
	h := testHeader(dir)
	h.FileSize = 20
	h.SheetSize = 4

	j, err := Create(h)
	if err != nil {
		t.Fatal(err)
	}
	store, err := sheetstore.Open(h.SavePath, h.FileSize, j, h.SheetSize)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Write([]byte("abcdefgh"), 1, 2); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	j.Close()

	j, err = Open(h.SavePath)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	store, err = sheetstore.Open(h.SavePath, h.FileSize, j, h.SheetSize)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if store.DoneSheets() != 2 || !store.IsDone(1) || !store.IsDone(2) {
		t.Errorf("resumed index = %v, want sheets 1 and 2 done", store.Index())
	}
}
