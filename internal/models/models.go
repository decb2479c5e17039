package models

import (
	"fmt"
	"strings"
	"time"
)

// Status is the ordinal role level stored on a profile.
type Status int

const (
	StatusMember    Status = 0
	StatusModerator Status = 3
	StatusAdmin     Status = 6
	StatusBot       Status = 8
	StatusSysadmin  Status = 11
)

// PermanentLock marks a LockInfo that never expires.
const PermanentLock int64 = -1

// Channel is a chat room as listed in the directory. The name doubles as document id.
type Channel struct {
	Name          string `json:"name"`
	BackgroundURL string `json:"backgroundUrl"`
	Category      string `json:"category"`
}

// ChannelMembership is the in-memory record of the channel a session currently has open.
type ChannelMembership struct {
	ChannelID     string    `json:"channelID"`
	BackgroundURL string    `json:"backgroundURL"`
	JoinedAt      time.Time `json:"timestamp"`
}

// PresenceRecord is stored at channels/{channel}/onlineUsers/{username}.
// Timestamps are Unix milliseconds.
type PresenceRecord struct {
	Username      string `json:"username"`
	Age           string `json:"age"`
	Gender        string `json:"gender"`
	ProfilePic    string `json:"profilePic"`
	Status        Status `json:"status"`
	JoinTimestamp int64  `json:"joinTimestamp"`
	Timestamp     int64  `json:"timestamp"`
}

// LastHeartbeat returns the time of the most recent heartbeat.
func (p PresenceRecord) LastHeartbeat() time.Time {
	return time.UnixMilli(p.Timestamp)
}

// JoinedAt returns the time the user entered the current presence window.
func (p PresenceRecord) JoinedAt() time.Time {
	return time.UnixMilli(p.JoinTimestamp)
}

// LockInfo is present on a profile only while the user is locked out.
type LockInfo struct {
	LockedBy string `json:"lockedBy"`
	Reason   string `json:"reason"`
	// ExpirationTimestamp is Unix seconds, or PermanentLock.
	ExpirationTimestamp int64 `json:"expirationTimestamp"`
}

func (l LockInfo) Permanent() bool {
	return l.ExpirationTimestamp == PermanentLock
}

// Expired reports whether a temporary lock lies in the past. Permanent locks never expire.
func (l LockInfo) Expired(now time.Time) bool {
	if l.Permanent() {
		return false
	}
	return l.ExpirationTimestamp <= now.Unix()
}

// Describe renders the lock for display.
func (l LockInfo) Describe() string {
	if l.Permanent() {
		return fmt.Sprintf("locked permanently by %s", l.LockedBy)
	}
	return fmt.Sprintf("locked until %s by %s", FormatExpiration(l.ExpirationTimestamp), l.LockedBy)
}

// FormatExpiration formats a Unix-seconds expiration as a short date.
func FormatExpiration(ts int64) string {
	return time.Unix(ts, 0).UTC().Format("02.01.2006 15:04 MST")
}

// ProfileVisitor is an entry of UserProfile.RecentProfileVisitors.
type ProfileVisitor struct {
	Username      string `json:"username"`
	ProfilePicURL string `json:"profilePicURL"`
}

// UserProfile is stored at users/{uid}.
type UserProfile struct {
	// ID is the document id (the identity uid); it is not part of the stored fields.
	ID string `json:"-"`

	Username              string           `json:"username"`
	UsernameLowercase     string           `json:"usernameLowercase"`
	Email                 string           `json:"email"`
	ProfilePicURL         string           `json:"profilePicURL"`
	Status                Status           `json:"status"`
	Name                  string           `json:"name,omitempty"`
	Age                   string           `json:"age,omitempty"`
	Birthday              string           `json:"birthday,omitempty"`
	Gender                string           `json:"gender,omitempty"`
	RelationshipStatus    string           `json:"relationshipStatus,omitempty"`
	ZipCode               string           `json:"zipCode,omitempty"`
	Country               string           `json:"country,omitempty"`
	State                 string           `json:"state,omitempty"`
	City                  string           `json:"city,omitempty"`
	Wildspace             string           `json:"wildspace,omitempty"`
	LastChannels          []Channel        `json:"lastChannels"`
	RecentProfileVisitors []ProfileVisitor `json:"recentProfileVisitors"`
	LockInfo              *LockInfo        `json:"lockInfo,omitempty"`
	// RegDate is Unix milliseconds.
	RegDate int64 `json:"regDate"`
}

// CanModerate reports whether the profile may issue moderation commands.
func (u *UserProfile) CanModerate(min Status) bool {
	return u != nil && u.Status >= min
}

// IsLocked treats an expired temporary lock as unlocked. The stored LockInfo is left untouched.
func (u *UserProfile) IsLocked(now time.Time) bool {
	return u != nil && u.LockInfo != nil && !u.LockInfo.Expired(now)
}

// Visitor returns the entry recorded on another profile when this user visits it.
func (u *UserProfile) Visitor() ProfileVisitor {
	return ProfileVisitor{Username: u.Username, ProfilePicURL: u.ProfilePicURL}
}

// CanonicalUsername is the case-insensitive lookup form of a username.
func CanonicalUsername(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Message is stored at channels/{channel}/messages/{auto-id}. Timestamp is Unix milliseconds.
type Message struct {
	ID        string `json:"-"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}
