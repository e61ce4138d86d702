// Package browser opens URLs in the user's default web browser. It tries a
// platform-agnostic library first and falls back to OS-specific commands.
package browser

import (
	"fmt"
	"os/exec"
	"runtime"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
)

// OpenURL opens the URL in the default browser. Callers should be prepared
// for failure on headless systems and print the URL instead.
func OpenURL(url string) error {
	err := open.Run(url)
	if err == nil {
		return nil
	}
	log.Debugf("open-golang failed: %v, trying platform-specific commands", err)
	return openURLPlatformSpecific(url)
}

func openURLPlatformSpecific(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	case "linux":
		for _, candidate := range []string{"xdg-open", "x-www-browser", "firefox", "chromium", "google-chrome"} {
			if _, err := exec.LookPath(candidate); err == nil {
				cmd = exec.Command(candidate, url)
				break
			}
		}
		if cmd == nil {
			return fmt.Errorf("no suitable browser found")
		}
	default:
		return fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start browser command: %w", err)
	}
	return nil
}
