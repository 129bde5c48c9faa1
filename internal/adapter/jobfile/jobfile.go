package jobfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/vertextoedge/relayget/internal/domain"
	"github.com/vertextoedge/relayget/internal/port"
)

const (
	// Magic starts every job file
	Magic uint32 = 0x62874517

	// Suffix is appended to the save path to name its job file
	Suffix = ".rgjob"
)

// Ensure JobFile implements port.IndexStorage
var _ port.IndexStorage = (*JobFile)(nil)

// Header is everything a job file records besides the sheet index
type Header struct {
	URL              string
	RedirectedURL    string
	Cookies          string
	SavePath         string
	UseRedirectedURL bool
	FileSize         int64
	SheetSize        int64
}

// TargetURL returns the URL workers should fetch from
func (h Header) TargetURL() string {
	if h.UseRedirectedURL && h.RedirectedURL != "" {
		return h.RedirectedURL
	}
	return h.URL
}

// SheetCount returns the number of sheets the header describes
func (h Header) SheetCount() int64 {
	return domain.SheetCount(h.FileSize, h.SheetSize)
}

// JobFile persists a download's parameters and its packed sheet index next
// to the output file, so an interrupted download can be resumed.
type JobFile struct {
	mu     sync.Mutex
	path   string
	header Header
	index  []byte
	file   *os.File
}

// PathFor returns the job file path for savePath
func PathFor(savePath string) string {
	return savePath + Suffix
}

// Exists reports whether savePath has a job file
func Exists(savePath string) bool {
	_, err := os.Stat(PathFor(savePath))
	return err == nil
}

// Create writes a new job file for h.SavePath with an empty index.
// It fails with domain.ErrJobExists if one is already there.
func Create(h Header) (*JobFile, error) {
	if h.SheetSize <= 0 || h.FileSize < 0 {
		return nil, fmt.Errorf("file size %d, sheet size %d: %w", h.FileSize, h.SheetSize, domain.ErrInvalidInput)
	}

	path := PathFor(h.SavePath)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%s: %w", path, domain.ErrJobExists)
		}
		return nil, domain.NewIOError("create", path, err)
	}

	j := &JobFile{
		path:   path,
		header: h,
		index:  make([]byte, domain.PackedIndexLen(h.SheetCount())),
		file:   f,
	}
	if err := j.flushLocked(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return j, nil
}

// Open loads the job file belonging to savePath. It fails with
// domain.ErrJobNotExists when there is none, domain.ErrCorruptJobFile when it
// cannot be decoded and domain.ErrSavePathMismatch when it was written for a
// different output path.
func Open(savePath string) (*JobFile, error) {
	path := PathFor(savePath)
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, domain.ErrJobNotExists)
		}
		return nil, domain.NewIOError("open", path, err)
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		f.Close()
		return nil, domain.NewIOError("read", path, err)
	}

	h, index, err := decode(buf)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if h.SavePath != savePath {
		f.Close()
		return nil, fmt.Errorf("%s: recorded %q, opening %q: %w", path, h.SavePath, savePath, domain.ErrSavePathMismatch)
	}

	return &JobFile{
		path:   path,
		header: h,
		index:  index,
		file:   f,
	}, nil
}

// Header returns the recorded download parameters
func (j *JobFile) Header() Header {
	return j.header
}

// Path returns the job file path
func (j *JobFile) Path() string {
	return j.path
}

// GetData returns a copy of the packed sheet index
func (j *JobFile) GetData() ([]byte, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]byte, len(j.index))
	copy(out, j.index)
	return out, nil
}

// SetData replaces the packed sheet index and rewrites the file
func (j *JobFile) SetData(data []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(data) != len(j.index) {
		return fmt.Errorf("index of %s: got %d bytes, want %d: %w",
			j.header.SavePath, len(data), len(j.index), domain.ErrCorruptIndex)
	}
	if j.file == nil {
		return domain.ErrStoreClosed
	}
	copy(j.index, data)
	return j.flushLocked()
}

// IsValid reports whether the job file is open
func (j *JobFile) IsValid() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file != nil
}

// Identifier returns the job file path
func (j *JobFile) Identifier() string {
	return j.path
}

// Flush rewrites header and index
func (j *JobFile) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return domain.ErrStoreClosed
	}
	return j.flushLocked()
}

func (j *JobFile) flushLocked() error {
	buf := encode(j.header, j.index)
	if _, err := j.file.WriteAt(buf, 0); err != nil {
		return domain.NewIOError("write", j.path, err)
	}
	if err := j.file.Sync(); err != nil {
		return domain.NewIOError("sync", j.path, err)
	}
	return nil
}

// Close flushes and closes the file. Closing twice is a no-op.
func (j *JobFile) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	flushErr := j.flushLocked()
	closeErr := j.file.Close()
	j.file = nil
	if closeErr != nil {
		closeErr = domain.NewIOError("close", j.path, closeErr)
	}
	return errors.Join(flushErr, closeErr)
}

// Remove closes and deletes the job file
func (j *JobFile) Remove() error {
	j.mu.Lock()
	if j.file != nil {
		j.file.Close()
		j.file = nil
	}
	j.mu.Unlock()

	if err := os.Remove(j.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return domain.NewIOError("remove", j.path, err)
	}
	return nil
}

// encode lays out the header followed by the packed index, little-endian
func encode(h Header, index []byte) []byte {
	size := 4 + 4*4 + len(h.URL) + len(h.RedirectedURL) + len(h.Cookies) + len(h.SavePath) + 1 + 8 + 8 + len(index)
	buf := make([]byte, 0, size)

	buf = binary.LittleEndian.AppendUint32(buf, Magic)
	for _, s := range []string{h.URL, h.RedirectedURL, h.Cookies, h.SavePath} {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
		buf = append(buf, s...)
	}
	var flag byte
	if h.UseRedirectedURL {
		flag = 1
	}
	buf = append(buf, flag)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.FileSize))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.SheetSize))
	return append(buf, index...)
}

// decoder reads fields off a buffer and remembers the first short read
type decoder struct {
	buf   []byte
	short bool
}

func (d *decoder) take(n uint64) []byte {
	if d.short || n > uint64(len(d.buf)) {
		d.short = true
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) uint32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) uint64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) string() string {
	return string(d.take(uint64(d.uint32())))
}

func decode(buf []byte) (Header, []byte, error) {
	d := &decoder{buf: buf}

	if magic := d.uint32(); d.short || magic != Magic {
		return Header{}, nil, fmt.Errorf("bad magic: %w", domain.ErrCorruptJobFile)
	}

	var h Header
	h.URL = d.string()
	h.RedirectedURL = d.string()
	h.Cookies = d.string()
	h.SavePath = d.string()
	if flag := d.take(1); flag != nil {
		h.UseRedirectedURL = flag[0] != 0
	}
	fileSize := d.uint64()
	sheetSize := d.uint64()
	if d.short {
		return Header{}, nil, fmt.Errorf("truncated header: %w", domain.ErrCorruptJobFile)
	}
	if sheetSize == 0 || sheetSize > 1<<62 || fileSize > 1<<62 {
		return Header{}, nil, fmt.Errorf("file size %d, sheet size %d: %w", fileSize, sheetSize, domain.ErrCorruptJobFile)
	}
	h.FileSize = int64(fileSize)
	h.SheetSize = int64(sheetSize)

	index := d.take(uint64(domain.PackedIndexLen(h.SheetCount())))
	if d.short {
		return Header{}, nil, fmt.Errorf("truncated index: %w", domain.ErrCorruptJobFile)
	}
	return h, append([]byte(nil), index...), nil
}
