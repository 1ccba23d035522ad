package util

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/coah80/grabbot/internal/config"
)

var CookiesFile = filepath.Join(".", "cookies.txt")

func HasCookiesFile() bool {
	_, err := os.Stat(CookiesFile)
	return err == nil
}

// NeedsCookiesRetry reports whether yt-dlp failed on a bot or age check
// that a logged-in cookie jar can get past.
func NeedsCookiesRetry(errorOutput string) bool {
	for _, e := range config.BotDetectionErrors {
		if strings.Contains(errorOutput, e) {
			return true
		}
	}
	return false
}

func GetCookiesArgs() []string {
	if !HasCookiesFile() {
		return nil
	}
	return []string{"--cookies", CookiesFile}
}
