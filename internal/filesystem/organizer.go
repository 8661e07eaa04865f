package filesystem

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"project-tachyon/internal/storage"
)

// SmartOrganizer moves a completed task's destination file into a
// category subfolder of its original directory, grounded on the
// teacher's internal/core.SmartOrganizer, generalized from
// storage.DownloadTask to storage.TaskRecord.
type SmartOrganizer struct {
	enableSmartSorting bool
}

func NewSmartOrganizer() *SmartOrganizer {
	return &SmartOrganizer{
		enableSmartSorting: true,
	}
}

func (o *SmartOrganizer) SetEnabled(enabled bool) {
	o.enableSmartSorting = enabled
}

// GetCategory returns the category for a given filename based on extension.
func GetCategory(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".svg":
		return "Images"
	case ".mp4", ".mkv", ".mov", ".avi", ".webm", ".wmv":
		return "Videos"
	case ".mp3", ".wav", ".flac", ".aac", ".ogg", ".m4a":
		return "Music"
	case ".zip", ".rar", ".7z", ".tar", ".gz", ".iso":
		return "Archives"
	case ".pdf", ".docx", ".xlsx", ".pptx", ".txt", ".md":
		return "Documents"
	case ".exe", ".msi", ".dmg", ".pkg", ".deb":
		return "Software"
	default:
		return "Others"
	}
}

// GetOrganizedPath returns the full path where a file should be stored.
func GetOrganizedPath(baseDir, filename string) (string, error) {
	category := GetCategory(filename)
	return filepath.Join(baseDir, category, filename), nil
}

// OrganizeFile moves a completed task's destination file into a
// categorized subfolder of its own directory.
func (o *SmartOrganizer) OrganizeFile(task *storage.TaskRecord) (string, error) {
	if !o.enableSmartSorting {
		return task.FilePath, nil
	}

	filename := filepath.Base(task.FilePath)
	category := GetCategory(filename)

	baseDir := filepath.Dir(task.FilePath)
	targetDir := filepath.Join(baseDir, category)
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return task.FilePath, fmt.Errorf("failed to create category dir: %w", err)
	}

	targetPath := filepath.Join(targetDir, filename)
	targetPath = o.findAvailablePath(targetPath)

	if err := os.Rename(task.FilePath, targetPath); err != nil {
		return task.FilePath, fmt.Errorf("failed to move file: %w", err)
	}

	return targetPath, nil
}

func (o *SmartOrganizer) findAvailablePath(basePath string) string {
	if _, err := os.Stat(basePath); os.IsNotExist(err) {
		return basePath
	}
	ext := filepath.Ext(basePath)

	dir := filepath.Dir(basePath)
	filename := filepath.Base(basePath)
	nameOnly := strings.TrimSuffix(filename, ext)

	for i := 1; i < 1000; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", nameOnly, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%d%s", nameOnly, 9999, ext))
}
