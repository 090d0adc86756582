package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var imageExts = []string{"jpg", "jpeg", "png", "gif", "webp"}

// EnsureDir creates a directory if it doesn't exist
func EnsureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

// GetFileExtension returns the lowercased file extension without the dot
func GetFileExtension(filename string) string {
	ext := filepath.Ext(filename)
	if len(ext) > 0 {
		return strings.ToLower(ext[1:])
	}
	return ""
}

// IsImageFile checks if a file has an extension the decoder understands
func IsImageFile(filename string) bool {
	ext := GetFileExtension(filename)
	for _, imgExt := range imageExts {
		if ext == imgExt {
			return true
		}
	}
	return false
}

// GenerateOutputFilename builds <outputDir>/<name><suffix>.<format> for an
// input path or URL
func GenerateOutputFilename(input, outputDir, suffix, format string) string {
	if i := strings.IndexAny(input, "?#"); i >= 0 && strings.Contains(input, "://") {
		input = input[:i]
	}
	baseName := filepath.Base(input)
	nameWithoutExt := SanitizeFilename(strings.TrimSuffix(baseName, filepath.Ext(baseName)))
	if nameWithoutExt == "" {
		nameWithoutExt = "image"
	}

	if format == "" {
		format = "png"
	}

	return filepath.Join(outputDir, fmt.Sprintf("%s%s.%s", nameWithoutExt, suffix, format))
}

// FileExists checks if a file exists and is not a directory
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}

// SanitizeFilename removes or replaces invalid characters in filenames
func SanitizeFilename(filename string) string {
	invalid := []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|"}
	result := filename

	for _, char := range invalid {
		result = strings.ReplaceAll(result, char, "_")
	}

	return strings.Trim(result, " .")
}

// FormatFileSize formats file size in human-readable format
func FormatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}

	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
