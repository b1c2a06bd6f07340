package iesp

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func newTestFileBackend(t *testing.T, sizeBlocks int) (*FileBackend, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Truncate(int64(sizeBlocks) * 4096); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	f.Close()

	b := NewFileBackend(path, 4096, 8)
	if !b.Begin() {
		t.Fatalf("Begin failed")
	}
	return b, path
}

func TestFileBackendWriteReadRoundTrip(t *testing.T) {
	b, _ := newTestFileBackend(t, 16)
	defer b.Close()

	want := bytes.Repeat([]byte{0xab}, 4096*2)
	if !b.Write(3, 2, want) {
		t.Fatalf("Write failed")
	}
	got := make([]byte, 4096*2)
	if !b.Read(3, 2, got) {
		t.Fatalf("Read failed")
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("read back data does not match what was written")
	}
}

func TestFileBackendSyncSurvivesReopen(t *testing.T) {
	b, path := newTestFileBackend(t, 16)
	want := bytes.Repeat([]byte{0x5a}, 4096)
	if !b.Write(0, 1, want) {
		t.Fatalf("Write failed")
	}
	if !b.Sync() {
		t.Fatalf("Sync failed")
	}
	b.Close()

	b2 := NewFileBackend(path, 4096, 8)
	if !b2.Begin() {
		t.Fatalf("reopen Begin failed")
	}
	defer b2.Close()
	got := make([]byte, 4096)
	if !b2.Read(0, 1, got) {
		t.Fatalf("Read after reopen failed")
	}
	if !bytes.Equal(got, want) {
		t.Fatal("data did not survive sync + reopen")
	}
}

func TestFileBackendCmpWrite(t *testing.T) {
	b, _ := newTestFileBackend(t, 16)
	defer b.Close()

	initial := bytes.Repeat([]byte{0x11}, 4096)
	if !b.Write(5, 1, initial) {
		t.Fatalf("Write failed")
	}

	newData := bytes.Repeat([]byte{0x22}, 4096)
	if res := b.CmpWrite(5, 1, newData, initial); res != CmpWriteOk {
		t.Fatalf("CmpWrite with matching compare = %v, want CmpWriteOk", res)
	}
	got := make([]byte, 4096)
	b.Read(5, 1, got)
	if !bytes.Equal(got, newData) {
		t.Fatal("CmpWrite did not apply the new data")
	}

	staleCompare := initial // no longer matches current contents
	if res := b.CmpWrite(5, 1, initial, staleCompare); res != CmpWriteMismatch {
		t.Fatalf("CmpWrite with stale compare = %v, want CmpWriteMismatch", res)
	}
	got2 := make([]byte, 4096)
	b.Read(5, 1, got2)
	if !bytes.Equal(got2, newData) {
		t.Fatal("mismatched CmpWrite must not modify data")
	}
}

func TestFileBackendTrim(t *testing.T) {
	b, _ := newTestFileBackend(t, 16)
	defer b.Close()
	data := bytes.Repeat([]byte{0x33}, 4096)
	b.Write(1, 1, data)
	if !b.Trim(1, 1) {
		t.Fatalf("Trim failed")
	}
}
