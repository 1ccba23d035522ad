package util

import "strings"

var userMessages = []struct {
	needles []string
	message string
}{
	{[]string{"cancelled", "canceled"}, "Download cancelled"},
	{[]string{"already running", "already active"}, "A download for this link is already running"},
	{[]string{"daily download limit"}, "You've reached your daily download limit, try again tomorrow"},
	{[]string{"video unavailable", "private video", "this content is private", "has been removed"}, "This video is unavailable or has been removed"},
	{[]string{"live event", "live stream"}, "Live streams can't be downloaded yet"},
	{[]string{"age-restricted", "age restricted", "confirm your age"}, "This video is age-restricted"},
	{[]string{"sign in to confirm", "sign in to verify"}, "The site is blocking this request, try again later"},
	{[]string{"geo restricted", "geo-restricted", "not available in your country"}, "This video isn't available in the server's region"},
	{[]string{"copyright"}, "This video was removed for copyright"},
	{[]string{"members only", "members-only"}, "This is a members-only video"},
	{[]string{"http error 403", "403 forbidden"}, "Access denied, the site is blocking downloads"},
	{[]string{"http error 404", "404 not found"}, "Video not found, it may have been deleted"},
	{[]string{"unsupported url"}, "This website isn't supported"},
	{[]string{"no video formats", "requested format not available"}, "No downloadable formats found"},
	{[]string{"timed out", "timeout", "deadline exceeded"}, "The download took too long and was stopped"},
	{[]string{"could not split", "no segments"}, "The file was too large to send and could not be split"},
	{[]string{"connection reset", "econnreset", "broken pipe"}, "Connection dropped, try again"},
	{[]string{"no such host", "dns"}, "Couldn't reach the server, try again"},
	{[]string{"too many requests", "http error 429"}, "Rate limited, please wait and try again"},
	{[]string{"playlist too large", "too many active"}, ""},
}

// ToUserError turns raw backend or pipeline error text into one short line
// fit for a chat message.
func ToUserError(message string) string {
	msg := strings.ToLower(message)
	for _, m := range userMessages {
		for _, n := range m.needles {
			if strings.Contains(msg, n) {
				if m.message == "" {
					return message
				}
				return m.message
			}
		}
	}
	return "Download failed"
}
