package logging

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const cleanerInterval = time.Minute

var cleanerCancel context.CancelFunc

// startCleanerLocked starts the background cleaner keeping the log directory
// under maxTotalSizeMB. The active log file is never removed. Callers must
// hold writerMu.
func startCleanerLocked(logDir string, maxTotalSizeMB int, activePath string) {
	stopCleanerLocked()
	if maxTotalSizeMB <= 0 || strings.TrimSpace(logDir) == "" {
		return
	}

	maxBytes := int64(maxTotalSizeMB) * 1024 * 1024
	ctx, cancel := context.WithCancel(context.Background())
	cleanerCancel = cancel

	go func() {
		ticker := time.NewTicker(cleanerInterval)
		defer ticker.Stop()
		for {
			deleted, err := trimLogDir(filepath.Clean(logDir), maxBytes, filepath.Clean(activePath))
			if err != nil {
				log.Warnf("logging: log directory cleanup failed: %v", err)
			} else if deleted > 0 {
				log.Debugf("logging: removed %d old log file(s)", deleted)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func stopCleanerLocked() {
	if cleanerCancel != nil {
		cleanerCancel()
		cleanerCancel = nil
	}
}

// trimLogDir deletes the oldest rotated log files until the directory's total
// size fits under maxBytes. activePath is skipped.
func trimLogDir(logDir string, maxBytes int64, activePath string) (int, error) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	type logFile struct {
		path    string
		size    int64
		modTime time.Time
	}
	var files []logFile
	var total int64
	for _, entry := range entries {
		if entry.IsDir() || !isLogFileName(entry.Name()) {
			continue
		}
		info, errInfo := entry.Info()
		if errInfo != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, logFile{
			path:    filepath.Join(logDir, entry.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		total += info.Size()
	}
	if total <= maxBytes {
		return 0, nil
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	deleted := 0
	for _, file := range files {
		if total <= maxBytes {
			break
		}
		if filepath.Clean(file.path) == activePath {
			continue
		}
		if errRemove := os.Remove(file.path); errRemove != nil {
			log.Warnf("logging: failed to remove old log file %s: %v", filepath.Base(file.path), errRemove)
			continue
		}
		total -= file.size
		deleted++
	}
	return deleted, nil
}

func isLogFileName(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".log") || strings.HasSuffix(lower, ".log.gz")
}
