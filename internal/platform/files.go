package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// Operating system constants
const (
	OSDarwin  = "darwin"
	OSWindows = "windows"
	OSLinux   = "linux"
)

// File permissions
const (
	DefaultDirPermissions = 0755
)

// File extensions left behind by interrupted yt-dlp runs
var (
	SkippedExtensions = []string{".part", ".ytdl", ".temp"}
)

// CreateDirectoryIfNotExists creates directory if it doesn't exist
func CreateDirectoryIfNotExists(dirPath string) error {
	if _, err := os.Stat(dirPath); os.IsNotExist(err) {
		return os.MkdirAll(dirPath, DefaultDirPermissions)
	}
	return nil
}

// GetHomeDownloadsDir returns the standard Downloads directory for the user
func GetHomeDownloadsDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, "Downloads"), nil
}

// DefaultChromeProfileDir returns the Chrome user data directory of the
// current user, where an authenticated session is expected to live
func DefaultChromeProfileDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	switch runtime.GOOS {
	case OSWindows:
		return filepath.Join(homeDir, "AppData", "Local", "Google", "Chrome", "User Data"), nil
	case OSDarwin:
		return filepath.Join(homeDir, "Library", "Application Support", "Google", "Chrome"), nil
	case OSLinux:
		return filepath.Join(homeDir, ".config", "google-chrome"), nil
	default:
		return "", fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
}

// IsDirectory reports whether path exists and is a directory
func IsDirectory(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// FindDownloadedFile returns the file in dir whose name is stem plus any
// extension, as produced by an output template "<stem>.%(ext)s". Leftovers
// of interrupted downloads are ignored. When several files match, the most
// recently modified one wins.
func FindDownloadedFile(dir, stem string) (string, error) {
	if stem == "" {
		return "", fmt.Errorf("file stem is empty")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var candidates []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		if ext == "" || strings.TrimSuffix(name, ext) != stem {
			continue
		}
		if isPartialDownload(name) {
			continue
		}
		candidates = append(candidates, filepath.Join(dir, name))
	}

	if len(candidates) == 0 {
		return "", fmt.Errorf("no downloaded file for %s in %s", stem, dir)
	}

	sort.Slice(candidates, func(i, j int) bool {
		infoI, errI := os.Stat(candidates[i])
		infoJ, errJ := os.Stat(candidates[j])
		if errI != nil || errJ != nil {
			return candidates[i] < candidates[j]
		}
		return infoI.ModTime().After(infoJ.ModTime())
	})
	return candidates[0], nil
}

// isPartialDownload checks if a filename is a temporary or metadata file
func isPartialDownload(filename string) bool {
	for _, ext := range SkippedExtensions {
		if strings.HasSuffix(filename, ext) {
			return true
		}
	}
	return false
}
