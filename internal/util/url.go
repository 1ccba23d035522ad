package util

import (
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

// identityParams lists query parameters that name the resource itself on
// hosts where the path alone is ambiguous.
var identityParams = map[string][]string{
	"youtube.com":       {"v", "list"},
	"www.youtube.com":   {"v", "list"},
	"m.youtube.com":     {"v", "list"},
	"music.youtube.com": {"v", "list"},
}

// NormalizeURL reduces a URL to a comparable key: the query string and
// fragment are dropped, scheme and host are lower-cased. Input that does
// not parse as an absolute URL is returned unchanged.
func NormalizeURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		log.Debug().Str("url", raw).Msg("url did not parse, using it verbatim as key")
		return raw
	}

	host := strings.ToLower(u.Host)
	out := url.URL{
		Scheme: strings.ToLower(u.Scheme),
		Host:   host,
		Path:   u.Path,
	}
	if keep, ok := identityParams[host]; ok {
		q := u.Query()
		kept := url.Values{}
		for _, k := range keep {
			if v := q.Get(k); v != "" {
				kept.Set(k, v)
			}
		}
		out.RawQuery = kept.Encode()
	}
	return out.String()
}

// IsPlaylistURL reports whether the URL points at a whole playlist rather
// than a single video inside one.
func IsPlaylistURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	q := u.Query()
	if q.Get("list") == "" {
		return strings.Contains(u.Path, "/sets/") || strings.HasSuffix(u.Path, "/playlist")
	}
	return q.Get("v") == "" || strings.HasSuffix(u.Path, "/playlist")
}
