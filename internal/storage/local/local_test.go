package local

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wpdepot/wpdepot/internal/config"
	"github.com/wpdepot/wpdepot/internal/storage"
)

func newTestStorage(t *testing.T) *LocalStorage {
	t.Helper()
	s, err := New(&config.LocalStorageConfig{BasePath: t.TempDir()})
	if err != nil {
		t.Fatal("New:", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// New
// ---------------------------------------------------------------------------

func TestNew_CreatesDirectory(t *testing.T) {
	subDir := filepath.Join(t.TempDir(), "a", "b", "c")
	if _, err := New(&config.LocalStorageConfig{BasePath: subDir}); err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := os.Stat(subDir); os.IsNotExist(err) {
		t.Error("New() did not create base directory")
	}
}

// ---------------------------------------------------------------------------
// Put / Open
// ---------------------------------------------------------------------------

func TestPut_StoresAndHashes(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	obj, err := s.Put(ctx, "plugin-files/1-hello.zip", strings.NewReader("hello"), 5)
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if obj.Size != 5 {
		t.Errorf("Size = %d, want 5", obj.Size)
	}
	if obj.Checksum != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("Checksum = %q", obj.Checksum)
	}

	rc, err := s.Open(ctx, "plugin-files/1-hello.zip")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "hello" {
		t.Errorf("Open() content = %q", data)
	}
}

func TestPut_UnknownSize(t *testing.T) {
	s := newTestStorage(t)
	obj, err := s.Put(context.Background(), "k", strings.NewReader("abc"), -1)
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if obj.Size != 3 {
		t.Errorf("Size = %d, want 3", obj.Size)
	}
}

func TestPut_SizeMismatchLeavesNothing(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, "plugin-files/short.zip", strings.NewReader("abc"), 10); err == nil {
		t.Fatal("Put() expected size mismatch error")
	}
	ok, err := s.Exists(ctx, "plugin-files/short.zip")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("partial upload left an object behind")
	}
	entries, _ := os.ReadDir(filepath.Join(s.basePath, "plugin-files"))
	if len(entries) != 0 {
		t.Errorf("temp files left behind: %d", len(entries))
	}
}

func TestPut_RejectsTraversal(t *testing.T) {
	s := newTestStorage(t)
	for _, key := range []string{"../escape", "/abs", "a/../../b", ""} {
		if _, err := s.Put(context.Background(), key, strings.NewReader("x"), 1); err == nil {
			t.Errorf("Put(%q) expected error", key)
		}
	}
}

func TestOpen_NotFound(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.Open(context.Background(), "missing")
	if !errors.Is(err, storage.ErrObjectNotFound) {
		t.Errorf("Open() error = %v, want ErrObjectNotFound", err)
	}
}

// ---------------------------------------------------------------------------
// Delete
// ---------------------------------------------------------------------------

func TestDelete_RemovesFileAndEmptyDirs(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	if _, err := s.Put(ctx, "plugin-files/x.zip", strings.NewReader("x"), 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "plugin-files/x.zip"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.basePath, "plugin-files")); !os.IsNotExist(err) {
		t.Error("Delete() left empty parent directory")
	}
	if _, err := os.Stat(s.basePath); err != nil {
		t.Error("Delete() removed the base directory")
	}
}

func TestDelete_MissingIsNotError(t *testing.T) {
	s := newTestStorage(t)
	if err := s.Delete(context.Background(), "plugin-files/none.zip"); err != nil {
		t.Errorf("Delete() error = %v, want nil", err)
	}
}

// ---------------------------------------------------------------------------
// SignedURL / Stat
// ---------------------------------------------------------------------------

func TestSignedURL_Unsupported(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.SignedURL(context.Background(), "k", 0)
	if !errors.Is(err, storage.ErrSigningUnsupported) {
		t.Errorf("SignedURL() error = %v, want ErrSigningUnsupported", err)
	}
}

func TestStat(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	if _, err := s.Put(ctx, "plugin-files/s.zip", strings.NewReader("12345"), 5); err != nil {
		t.Fatal(err)
	}
	info, err := s.Stat(ctx, "plugin-files/s.zip")
	if err != nil {
		t.Fatalf("Stat() error: %v", err)
	}
	if info.Size != 5 || info.LastModified.IsZero() {
		t.Errorf("Stat() = %+v", info)
	}

	if _, err := s.Stat(ctx, "plugin-files/missing.zip"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Errorf("Stat(missing) error = %v, want ErrObjectNotFound", err)
	}
}
