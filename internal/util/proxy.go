package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net/url"

	"github.com/coah80/grabbot/internal/config"
)

func HasProxy() bool {
	return config.ProxyHost != "" && config.ProxyUserPrefix != "" && config.ProxyPassword != "" && config.ProxyCount > 0
}

// proxySlot picks one of the numbered proxy users, 1-based.
func proxySlot() int64 {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(config.ProxyCount)))
	if err != nil {
		return 1
	}
	return n.Int64() + 1
}

func proxyURL(slot int64) string {
	u := url.URL{
		Scheme: "http",
		User:   url.UserPassword(fmt.Sprintf("%s-%d", config.ProxyUserPrefix, slot), config.ProxyPassword),
		Host:   config.ProxyHost + ":" + config.ProxyPort,
	}
	return u.String()
}

// GetProxyArgs returns yt-dlp flags routing through a random proxy slot,
// or nil when no proxy pool is configured.
func GetProxyArgs() []string {
	if !HasProxy() {
		return nil
	}
	return []string{"--proxy", proxyURL(proxySlot())}
}
