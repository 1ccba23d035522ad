package util

import (
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func stubLookup(t *testing.T, ips map[string]string) {
	t.Helper()
	orig := lookupIP
	lookupIP = func(host string) ([]net.IP, error) {
		if ip, ok := ips[host]; ok {
			return []net.IP{net.ParseIP(ip)}, nil
		}
		return nil, errors.New("no such host")
	}
	t.Cleanup(func() { lookupIP = orig })
}

func TestValidateURL(t *testing.T) {
	stubLookup(t, map[string]string{
		"www.youtube.com": "142.250.1.1",
		"intranet.local":  "10.1.2.3",
	})

	tests := []struct {
		in    string
		valid bool
		msg   string
	}{
		{"https://www.youtube.com/watch?v=abc", true, ""},
		{"", false, "URL is required"},
		{"ftp://www.youtube.com/file", false, "Only HTTP/HTTPS URLs are allowed"},
		{"http://127.0.0.1:8080/", false, "Private/local URLs are not allowed"},
		{"http://[::1]/", false, "Private/local URLs are not allowed"},
		{"http://intranet.local/video", false, "Private/local URLs are not allowed"},
		{"http://unresolvable.example/", false, "Private/local URLs are not allowed"},
		{"https://www.youtube.com/" + strings.Repeat("a", 3000), false, "URL is too long"},
	}
	for _, tt := range tests {
		got := ValidateURL(tt.in)
		assert.Equal(t, tt.valid, got.Valid, tt.in)
		assert.Equal(t, tt.msg, got.Error, tt.in)
	}
}
