package utils

import (
	"os"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// SanitizeFilename cleans a filename for safe transmission by removing
// dangerous characters and limiting length. It trims spaces and dots, removes
// parent directory references, and filters out non-alphanumeric characters
// except for safe punctuation.
func SanitizeFilename(filename string) string {
	sanitized := strings.Trim(filename, " .")
	sanitized = strings.ReplaceAll(sanitized, "..", "")
	reg := regexp.MustCompile(`[^a-zA-Z0-9._\s-]`)
	sanitized = reg.ReplaceAllString(sanitized, "")
	if len(sanitized) > 255 {
		sanitized = sanitized[:255]
	}
	return sanitized
}

// VerifyRegularFile checks that path exists and is a regular file, returning
// its size.
func VerifyRegularFile(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	if info.IsDir() {
		return 0, false
	}
	return info.Size(), true
}

// GenerateMessageID creates a unique message identifier using UUID v4.
func GenerateMessageID() string {
	return uuid.New().String()
}
