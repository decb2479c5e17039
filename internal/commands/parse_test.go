package commands

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/livelink/internal/models"
)

func TestParse(t *testing.T) {
	tests := []struct {
		text      string
		cmd       Command
		token     string
		arg       string
		isCommand bool
	}{
		{"hello there", CommandUnknown, "", "", false},
		{"/profil alice", CommandProfile, "/profil", "alice", true},
		{"  /PROFIL   Alice  ", CommandProfile, "/profil", "Alice", true},
		{"/userlock bob: spam: 5", CommandUserLock, "/userlock", "bob: spam: 5", true},
		{"/userlock", CommandUserLock, "/userlock", "", true},
		{"/profil\tbob", CommandProfile, "/profil", "bob", true},
		{"/userlock\nbob: spam: 5", CommandUserLock, "/userlock", "bob: spam: 5", true},
		{"/xyz do things", CommandUnknown, "/xyz", "do things", true},
		{"a /profil in the middle", CommandUnknown, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			cmd, token, arg, ok := Parse(tt.text)
			assert.Equal(t, tt.isCommand, ok)
			assert.Equal(t, tt.cmd, cmd)
			assert.Equal(t, tt.token, token)
			assert.Equal(t, tt.arg, arg)
		})
	}
}

func TestParseLock(t *testing.T) {
	now := time.Date(2024, 11, 17, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		arg     string
		want    lockRequest
		wantErr error
	}{
		{"days", "bob: spam: 5", lockRequest{username: "bob", reason: "spam", expiration: now.AddDate(0, 0, 5).Unix()}, nil},
		{"upper bound", "bob: spam: 365", lockRequest{username: "bob", reason: "spam", expiration: now.AddDate(0, 0, 365).Unix()}, nil},
		{"permanent", "bob: spam: !", lockRequest{username: "bob", reason: "spam", expiration: models.PermanentLock}, nil},
		{"no duration", "bob: spam", lockRequest{username: "bob", reason: "spam", expiration: models.PermanentLock}, nil},
		{"unlock", "!bob", lockRequest{username: "bob", unlock: true}, nil},
		{"unlock padded", "  ! bob ", lockRequest{username: "bob", unlock: true}, nil},
		{"zero days", "bob: spam: 0", lockRequest{}, errLockDuration},
		{"too many days", "bob: spam: 400", lockRequest{}, errLockDuration},
		{"not a number", "bob: spam: soon", lockRequest{}, errLockDuration},
		{"no reason", "bob", lockRequest{}, errLockMalformed},
		{"empty reason", "bob: : 5", lockRequest{}, errLockReason},
		{"empty username", ": spam", lockRequest{}, errLockMalformed},
		{"empty unlock", "!", lockRequest{}, errLockMalformed},
		{"empty", "", lockRequest{}, errLockMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseLock(tt.arg, now)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
