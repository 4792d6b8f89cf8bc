package internal

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"huddle/internal/chat"
)

// maxListedEntries bounds how many directory entries /upload prints.
const maxListedEntries = 20

type fileEntry struct {
	Name  string
	Path  string
	IsDir bool
	Size  int64
}

// browseDirectory lists path for /upload, directories first.
func browseDirectory(path string) ([]fileEntry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	items := make([]fileEntry, 0, len(entries))
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		item := fileEntry{
			Name:  entry.Name(),
			Path:  filepath.Join(path, entry.Name()),
			IsDir: entry.IsDir(),
		}
		if !entry.IsDir() {
			if info, err := entry.Info(); err == nil {
				item.Size = info.Size()
			}
		}
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].IsDir != items[j].IsDir {
			return items[i].IsDir
		}
		return items[i].Name < items[j].Name
	})
	return items, nil
}

// listingText renders a directory listing as a notice body.
func listingText(path string, items []fileEntry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s:", path)
	if len(items) == 0 {
		sb.WriteString("\n  (empty)")
	}
	for i, item := range items {
		if i == maxListedEntries {
			fmt.Fprintf(&sb, "\n  … %d more", len(items)-maxListedEntries)
			break
		}
		if item.IsDir {
			fmt.Fprintf(&sb, "\n  %s/", item.Name)
			continue
		}
		fmt.Fprintf(&sb, "\n  %s  %s", item.Name, formatFileSize(item.Size))
	}
	return sb.String()
}

// getDefaultBrowsePath returns a sensible starting directory for /upload
func getDefaultBrowsePath() string {
	if home, err := os.UserHomeDir(); err == nil {
		for _, dir := range []string{"Documents", "Downloads"} {
			candidate := filepath.Join(home, dir)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
		return home
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}

// detectFileType picks the content type and message type for an upload.
func detectFileType(name string, data []byte) (contentType, msgType string) {
	contentType = mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	switch {
	case strings.HasPrefix(contentType, "image/"):
		msgType = chat.TypeImage
	case strings.HasPrefix(contentType, "audio/"):
		msgType = chat.TypeAudio
	default:
		msgType = chat.TypeFile
	}
	return contentType, msgType
}

// formatFileSize returns a human-readable file size
func formatFileSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
