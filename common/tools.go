package common

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// HomeExpand expands a leading '~' with the home directory of the current user.
func HomeExpand(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func Expired(t time.Time) bool {
	return !t.IsZero() && time.Now().After(t)
}
