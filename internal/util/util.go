package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// SetLogLevel switches the global logrus level between debug and info based
// on the debug flag, logging the transition when the level actually changes.
func SetLogLevel(debug bool) {
	currentLevel := log.GetLevel()
	newLevel := log.InfoLevel
	if debug {
		newLevel = log.DebugLevel
	}
	if currentLevel != newLevel {
		log.SetLevel(newLevel)
		log.Infof("log level changed from %s to %s (debug=%t)", currentLevel, newLevel, debug)
	}
}

// ResolveAuthDir normalizes the auth directory path for consistent reuse
// throughout the app. It expands a leading tilde (~) to the user's home
// directory and returns a cleaned path.
func ResolveAuthDir(authDir string) (string, error) {
	if authDir == "" {
		return "", nil
	}
	if strings.HasPrefix(authDir, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve auth dir: %w", err)
		}
		remainder := strings.TrimPrefix(authDir, "~")
		remainder = strings.TrimLeft(remainder, "/\\")
		if remainder == "" {
			return filepath.Clean(home), nil
		}
		normalized := strings.ReplaceAll(remainder, "\\", "/")
		return filepath.Clean(filepath.Join(home, filepath.FromSlash(normalized))), nil
	}
	return filepath.Clean(authDir), nil
}
