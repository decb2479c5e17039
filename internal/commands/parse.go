package commands

import (
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/xaenox/livelink/internal/models"
)

// Command identifies a slash-command.
type Command int

const (
	CommandUnknown Command = iota
	CommandProfile
	CommandUserLock
)

const (
	MaxLockDays = 365
	prefix      = "/"
)

var tokens = map[string]Command{
	"/profil":   CommandProfile,
	"/userlock": CommandUserLock,
}

// Parse splits text into a command and its unsplit argument. ok is false when
// text is not a command at all.
func Parse(text string) (cmd Command, token, arg string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, prefix) {
		return CommandUnknown, "", "", false
	}
	token = text
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		token, arg = text[:i], strings.TrimSpace(text[i:])
	}
	token = strings.ToLower(token)
	if c, known := tokens[token]; known {
		return c, token, arg, true
	}
	return CommandUnknown, token, arg, true
}

// Validation errors carry the text shown to the caller.
var (
	errLockMalformed = errors.New("usage: /userlock <username>: <reason>[: <days>|!] or /userlock !<username>")
	errLockReason    = errors.New("a reason is required to lock a user")
	errLockDuration  = errors.New("lock duration must be ! (permanent) or 1-365 days")
)

type lockRequest struct {
	username string
	unlock   bool
	reason   string
	// expiration is Unix seconds or models.PermanentLock.
	expiration int64
}

// parseLock validates a /userlock argument. A missing duration locks permanently.
func parseLock(arg string, now time.Time) (lockRequest, error) {
	arg = strings.TrimSpace(arg)
	if rest, found := strings.CutPrefix(arg, "!"); found {
		username := strings.TrimSpace(rest)
		if username == "" {
			return lockRequest{}, errLockMalformed
		}
		return lockRequest{username: username, unlock: true}, nil
	}

	fields := strings.SplitN(arg, ":", 3)
	if len(fields) < 2 {
		return lockRequest{}, errLockMalformed
	}
	req := lockRequest{
		username:   strings.TrimSpace(fields[0]),
		reason:     strings.TrimSpace(fields[1]),
		expiration: models.PermanentLock,
	}
	if req.username == "" {
		return lockRequest{}, errLockMalformed
	}
	if req.reason == "" {
		return lockRequest{}, errLockReason
	}
	if len(fields) == 3 {
		duration := strings.TrimSpace(fields[2])
		if duration != "!" {
			days, err := strconv.Atoi(duration)
			if err != nil || days < 1 || days > MaxLockDays {
				return lockRequest{}, errLockDuration
			}
			req.expiration = now.AddDate(0, 0, days).Unix()
		}
	}
	return req, nil
}
