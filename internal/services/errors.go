package services

import (
	"errors"

	"github.com/coah80/grabbot/internal/quota"
	"github.com/coah80/grabbot/internal/util"
)

var (
	// ErrAlreadyActive is returned when the same resource is already being
	// downloaded. The running download is not affected.
	ErrAlreadyActive = errors.New("a download for this resource is already running")

	// ErrResourceUnavailable means the backend can never fetch the resource
	// (removed, private, unsupported site).
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrTransient covers network hiccups and backend crashes.
	ErrTransient = errors.New("transient backend failure")

	ErrTimeout       = errors.New("download timed out")
	ErrSplitFailure  = errors.New("could not split file into segments")
	ErrStorage       = errors.New("storage operation failed")
	ErrCancelled     = errors.New("download cancelled")
	ErrInvalidURL    = errors.New("invalid url")
	ErrUnknownFormat = errors.New("unknown quality")
)

// UserMessage picks the single line shown to the requester for err.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return "Download cancelled"
	case errors.Is(err, ErrAlreadyActive):
		return "A download for this link is already running"
	case errors.Is(err, ErrTimeout):
		return "The download took too long and was stopped"
	case errors.Is(err, ErrSplitFailure):
		return "The file was too large to send and could not be split"
	case errors.Is(err, ErrInvalidURL):
		return "That doesn't look like a valid public link"
	case errors.Is(err, quota.ErrLimitReached):
		return "You've reached today's download limit, try again tomorrow"
	}
	return util.ToUserError(err.Error())
}
