package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/drivebridge/internal/backend"
	"github.com/tonimelisma/drivebridge/internal/errs"
	"github.com/tonimelisma/drivebridge/internal/transport"
)

// memDriver is an in-memory backend.Driver for command tests.
type memDriver struct {
	mu       sync.Mutex
	nextID   int
	files    map[string]*backend.RemoteFile
	data     map[string][]byte
	failures map[string]int // remaining network failures per upload name
	uploads  int
	seekable map[string]bool // whether each upload's source could seek
}

func newMemDriver() *memDriver {
	return &memDriver{
		files:    map[string]*backend.RemoteFile{},
		data:     map[string][]byte{},
		failures: map[string]int{},
		seekable: map[string]bool{},
	}
}

func (m *memDriver) Name() string { return "mem" }
func (m *memDriver) Kind() string { return "mem" }

func (m *memDriver) Root() *backend.RemoteFile {
	return &backend.RemoteFile{ID: "root", IsDir: true}
}

func (m *memDriver) add(parent *backend.RemoteFile, name string, isDir bool, data []byte) *backend.RemoteFile {
	m.nextID++
	f := &backend.RemoteFile{
		ID:       strconv.Itoa(m.nextID),
		Name:     name,
		ParentID: parent.ID,
		Size:     int64(len(data)),
		IsDir:    isDir,
		ModTime:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	m.files[f.ID] = f
	m.data[f.ID] = data

	return f
}

func (m *memDriver) Upload(_ context.Context, dir *backend.RemoteFile, name string, size int64, r io.Reader) (*backend.RemoteFile, error) {
	_, seekable := r.(io.ReadSeeker)

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.uploads++
	m.seekable[name] = seekable

	if m.failures[name] > 0 {
		m.failures[name]--
		return nil, errs.New(errs.KindNetwork, "upload "+name, "connection reset")
	}

	if int64(len(data)) != size {
		return nil, errs.Preconditionf("short read: %d of %d", len(data), size)
	}

	return m.add(dir, name, false, data), nil
}

func (m *memDriver) Download(_ context.Context, file *backend.RemoteFile, rng *backend.Range) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data := m.data[file.ID]
	if rng != nil {
		end := int64(len(data))
		if rng.Length >= 0 {
			end = min(rng.Offset+rng.Length, end)
		}

		data = data[rng.Offset:end]
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memDriver) List(_ context.Context, dir *backend.RemoteFile) ([]*backend.RemoteFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*backend.RemoteFile

	for _, f := range m.files {
		if f.ParentID == dir.ID {
			out = append(out, f)
		}
	}

	return out, nil
}

func (m *memDriver) Remove(_ context.Context, file *backend.RemoteFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.files, file.ID)
	delete(m.data, file.ID)

	return nil
}

func (m *memDriver) Mkdir(_ context.Context, parent *backend.RemoteFile, name string) (*backend.RemoteFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.add(parent, name, true, nil), nil
}

func (m *memDriver) Link(context.Context, *backend.RemoteFile) (*backend.Link, error) {
	return &backend.Link{URL: "https://example.com/x"}, nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func writeLocal(t *testing.T, dir, name, content string) string {
	t.Helper()

	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))

	return p
}

func TestUploadFiles_Parallel(t *testing.T) {
	m := newMemDriver()
	dir := t.TempDir()

	var paths []string
	for i := range 6 {
		paths = append(paths, writeLocal(t, dir, "f"+strconv.Itoa(i)+".txt", "content "+strconv.Itoa(i)))
	}

	up := &uploader{driver: m, policy: transport.RetryPolicy{MaxAttempts: 1}}

	results, err := up.uploadFiles(t.Context(), m.Root(), paths, 3)
	require.NoError(t, err)
	require.Len(t, results, 6)

	for i, r := range results {
		assert.Equal(t, paths[i], r.Local, "results keep argument order")
		assert.Equal(t, filepath.Base(paths[i]), r.File.Name)
		assert.Equal(t, int64(len("content 0")), r.File.Size)
	}
}

func TestUploadFiles_RetriesNetworkFailure(t *testing.T) {
	m := newMemDriver()
	m.failures["flaky.bin"] = 2

	p := writeLocal(t, t.TempDir(), "flaky.bin", "payload")

	var retries []int

	policy := transport.RetryPolicy{
		MaxAttempts: 3,
		SleepFunc:   noSleep,
		OnRetry:     func(attempt int, _ time.Duration, _ error) { retries = append(retries, attempt) },
	}

	up := &uploader{driver: m, policy: policy}

	results, err := up.uploadFiles(t.Context(), m.Root(), []string{p}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, []int{1, 2}, retries)
	assert.Equal(t, 3, m.uploads)
	assert.Equal(t, []byte("payload"), m.data[results[0].File.ID], "each attempt re-reads from the first byte")
}

func TestUploadFiles_GivesUp(t *testing.T) {
	m := newMemDriver()
	m.failures["flaky.bin"] = 5

	p := writeLocal(t, t.TempDir(), "flaky.bin", "payload")

	up := &uploader{driver: m, policy: transport.RetryPolicy{MaxAttempts: 2, SleepFunc: noSleep}}

	_, err := up.uploadFiles(t.Context(), m.Root(), []string{p}, 1)
	require.ErrorIs(t, err, errs.ErrNetwork)
	assert.Contains(t, err.Error(), "flaky.bin")
	assert.Equal(t, 2, m.uploads)
}

func TestUploadFiles_RejectsDirectory(t *testing.T) {
	m := newMemDriver()

	up := &uploader{driver: m}

	_, err := up.uploadFiles(t.Context(), m.Root(), []string{t.TempDir()}, 1)
	require.ErrorIs(t, err, errs.ErrPrecondition)
	assert.Zero(t, m.uploads)
}

// Local files reach the driver seekable so dedup can hash them in full and
// answer range proofs.
func TestUploadFiles_SourceIsSeekable(t *testing.T) {
	m := newMemDriver()
	p := writeLocal(t, t.TempDir(), "big.bin", strings.Repeat("s", 3000))

	up := &uploader{driver: m}

	_, err := up.uploadFiles(t.Context(), m.Root(), []string{p}, 1)
	require.NoError(t, err)
	assert.True(t, m.seekable["big.bin"])
}

func TestMkdirAll(t *testing.T) {
	m := newMemDriver()

	leaf, created, err := mkdirAll(t.Context(), m, "/a/b/c")
	require.NoError(t, err)
	assert.Equal(t, 3, created)
	assert.Equal(t, "c", leaf.Name)

	again, created, err := mkdirAll(t.Context(), m, "a/b/c/")
	require.NoError(t, err)
	assert.Zero(t, created)
	assert.Equal(t, leaf.ID, again.ID)

	b, err := backend.Lookup(t.Context(), m, "/a/b")
	require.NoError(t, err)

	m.mu.Lock()
	m.add(b, "file", false, []byte("x"))
	m.mu.Unlock()

	_, _, err = mkdirAll(t.Context(), m, "/a/b/file/d")
	assert.ErrorIs(t, err, errs.ErrPrecondition)
}

func TestDownloadTo(t *testing.T) {
	m := newMemDriver()

	m.mu.Lock()
	file := m.add(m.Root(), "data.bin", false, []byte("0123456789"))
	m.mu.Unlock()

	dst := filepath.Join(t.TempDir(), "out.bin")

	n, err := downloadTo(t.Context(), m, file, &backend.Range{Offset: 2, Length: 5}, dst, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "23456", string(got))

	_, err = os.Stat(dst + ".partial")
	assert.True(t, os.IsNotExist(err), "partial file renamed away")
}

func TestSortFiles(t *testing.T) {
	files := []*backend.RemoteFile{
		{Name: "b.txt"},
		{Name: "z", IsDir: true},
		{Name: "a.txt"},
		{Name: "m", IsDir: true},
	}

	sortFiles(files)

	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name
	}

	assert.Equal(t, []string{"m", "z", "a.txt", "b.txt"}, names)
}

func TestPrintFilesTable(t *testing.T) {
	var buf bytes.Buffer

	printFilesTable(&buf, []*backend.RemoteFile{
		{Name: "docs", IsDir: true},
		{Name: "a.txt", Size: 2048, ModTime: time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC)},
	})

	out := buf.String()
	assert.Contains(t, out, "docs/")
	assert.Contains(t, out, "2.0 KiB")
	assert.Contains(t, out, "May  1  2020")
}

func TestToFileJSON(t *testing.T) {
	out := toFileJSON(&backend.RemoteFile{
		ID:           "id1",
		Name:         "a",
		Size:         3,
		Hash:         "h",
		Deduplicated: true,
		ModTime:      time.Date(2026, 3, 4, 5, 6, 7, 0, time.FixedZone("x", 3600)),
	})

	assert.Equal(t, "2026-03-04T04:06:07Z", out.ModifiedAt)
	assert.True(t, out.Deduplicated)
	assert.Empty(t, toFileJSON(&backend.RemoteFile{ID: "x"}).ModifiedAt)
}
