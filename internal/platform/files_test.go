package platform

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCreateDirectoryIfNotExists(t *testing.T) {
	tempDir := t.TempDir()
	testDir := filepath.Join(tempDir, "test_dir")

	if _, err := os.Stat(testDir); !os.IsNotExist(err) {
		t.Fatalf("Test directory already exists: %s", testDir)
	}

	if err := CreateDirectoryIfNotExists(testDir); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}

	if !IsDirectory(testDir) {
		t.Fatalf("Directory was not created: %s", testDir)
	}

	// Second call should not fail
	if err := CreateDirectoryIfNotExists(testDir); err != nil {
		t.Fatalf("Failed to handle existing directory: %v", err)
	}
}

func TestGetHomeDownloadsDir(t *testing.T) {
	downloadsDir, err := GetHomeDownloadsDir()
	if err != nil {
		t.Fatalf("Failed to get downloads directory: %v", err)
	}

	if filepath.Base(downloadsDir) != "Downloads" {
		t.Errorf("Expected directory to end with 'Downloads', got: %s", downloadsDir)
	}
}

func TestIsDirectory(t *testing.T) {
	tempDir := t.TempDir()
	file := filepath.Join(tempDir, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if !IsDirectory(tempDir) {
		t.Error("expected temp dir to be a directory")
	}
	if IsDirectory(file) {
		t.Error("expected regular file not to be a directory")
	}
	if IsDirectory(filepath.Join(tempDir, "missing")) {
		t.Error("expected missing path not to be a directory")
	}
}

func TestFindDownloadedFile(t *testing.T) {
	tempDir := t.TempDir()

	write := func(name string, mod time.Time) {
		t.Helper()
		path := filepath.Join(tempDir, name)
		if err := os.WriteFile(path, []byte("data"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatal(err)
		}
	}

	base := time.Now().Add(-time.Hour)
	write("abc.source.webm", base)
	write("abc.source.m4a", base.Add(time.Minute))
	write("abc.source.webm.part", base.Add(2*time.Minute))
	write("abcd.source.opus", base.Add(3*time.Minute))

	got, err := FindDownloadedFile(tempDir, "abc.source")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(got) != "abc.source.m4a" {
		t.Errorf("expected newest matching file abc.source.m4a, got %s", filepath.Base(got))
	}
}

func TestFindDownloadedFile_NotFound(t *testing.T) {
	tempDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tempDir, "other.mp3"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := FindDownloadedFile(tempDir, "abc"); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := FindDownloadedFile(tempDir, ""); err == nil {
		t.Error("expected error for empty stem")
	}
	if _, err := FindDownloadedFile(filepath.Join(tempDir, "missing"), "abc"); err == nil {
		t.Error("expected error for missing directory")
	}
}
