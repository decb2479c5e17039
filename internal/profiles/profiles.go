// Package profiles reads and mutates user profiles stored at users/{uid}.
package profiles

import (
	"context"
	"errors"
	"fmt"

	"github.com/xaenox/livelink/internal/models"
	"github.com/xaenox/livelink/internal/postal"
	"github.com/xaenox/livelink/internal/storage"
	"go.uber.org/zap"
)

const usersCollection = "users"

// ErrUsernameTaken is returned by Register when the canonical username is in use.
var ErrUsernameTaken = errors.New("username already taken")

// Path returns the document path of the profile with the given uid.
func Path(uid string) string {
	return storage.Join(usersCollection, uid)
}

type Repository struct {
	store  storage.Storage
	logger *zap.Logger
}

func NewRepository(store storage.Storage, logger *zap.Logger) *Repository {
	return &Repository{store: store, logger: logger}
}

func (r *Repository) decode(doc *storage.Document) (*models.UserProfile, bool) {
	var profile models.UserProfile
	if err := doc.DataTo(&profile); err != nil {
		r.logger.Warn("Ignoring malformed profile",
			zap.Error(err),
			zap.String("path", doc.Path))
		return nil, false
	}
	profile.ID = doc.ID
	return &profile, true
}

// Get returns the profile of uid, or nil when it is missing or cannot be decoded.
func (r *Repository) Get(ctx context.Context, uid string) (*models.UserProfile, error) {
	doc, err := r.store.Get(ctx, Path(uid))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile %s: %w", uid, err)
	}
	profile, _ := r.decode(doc)
	return profile, nil
}

// FindByUsername looks a profile up case-insensitively. It returns nil when no profile matches.
func (r *Repository) FindByUsername(ctx context.Context, username string) (*models.UserProfile, error) {
	canonical := models.CanonicalUsername(username)
	if canonical == "" {
		return nil, nil
	}
	docs, err := r.store.Query(ctx, usersCollection, storage.Query{
		Filters: []storage.Filter{storage.Where("usernameLowercase", storage.OpEqual, canonical)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up user %q: %w", username, err)
	}
	for _, doc := range docs {
		if profile, ok := r.decode(doc); ok {
			return profile, nil
		}
	}
	return nil, nil
}

// Search returns profiles whose canonical username starts with prefix.
func (r *Repository) Search(ctx context.Context, prefix string, limit int) ([]*models.UserProfile, error) {
	canonical := models.CanonicalUsername(prefix)
	if canonical == "" {
		return nil, nil
	}
	docs, err := r.store.Query(ctx, usersCollection, storage.Query{
		Filters: []storage.Filter{
			storage.Where("usernameLowercase", storage.OpGreaterEqual, canonical),
			storage.Where("usernameLowercase", storage.OpLessEqual, canonical+"\uf8ff"),
		},
		OrderBy: "usernameLowercase",
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	results := make([]*models.UserProfile, 0, len(docs))
	for _, doc := range docs {
		if profile, ok := r.decode(doc); ok {
			results = append(results, profile)
		}
	}
	return results, nil
}

func (r *Repository) IsUsernameTaken(ctx context.Context, username string) (bool, error) {
	profile, err := r.FindByUsername(ctx, username)
	if err != nil {
		return false, err
	}
	return profile != nil, nil
}

// Register creates the profile of uid with member status. The username check and
// the write are not atomic; concurrent registrations of one name can both succeed.
func (r *Repository) Register(ctx context.Context, uid, username, email string) (*models.UserProfile, error) {
	canonical := models.CanonicalUsername(username)
	if canonical == "" {
		return nil, fmt.Errorf("username must not be empty")
	}
	taken, err := r.IsUsernameTaken(ctx, canonical)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, ErrUsernameTaken
	}

	err = r.store.Set(ctx, Path(uid), storage.Fields{
		"username":              username,
		"usernameLowercase":     canonical,
		"email":                 email,
		"profilePicURL":         "",
		"status":                models.StatusMember,
		"lastChannels":          []models.Channel{},
		"recentProfileVisitors": []models.ProfileVisitor{},
		"regDate":               storage.ServerTimestamp,
	}, false)
	if err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", username, err)
	}
	r.logger.Info("Registered user",
		zap.String("uid", uid),
		zap.String("username", username))
	return r.Get(ctx, uid)
}

// Update merges fields into the profile of uid.
func (r *Repository) Update(ctx context.Context, uid string, fields storage.Fields) error {
	if err := r.store.Update(ctx, Path(uid), fields); err != nil {
		return fmt.Errorf("failed to update profile %s: %w", uid, err)
	}
	return nil
}

func (r *Repository) SetLock(ctx context.Context, uid string, lock models.LockInfo) error {
	return r.Update(ctx, uid, storage.Fields{"lockInfo": lock})
}

// ClearLock removes the lockInfo field entirely.
func (r *Repository) ClearLock(ctx context.Context, uid string) error {
	if err := r.store.DeleteField(ctx, Path(uid), "lockInfo"); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", uid, err)
	}
	return nil
}

// UpdateLocation resolves a postal code and stores the locality on the profile.
func (r *Repository) UpdateLocation(ctx context.Context, lookup postal.Lookup, uid, country, postalCode string) (*postal.Locality, error) {
	locality, err := lookup.Lookup(ctx, country, postalCode)
	if err != nil {
		return nil, err
	}
	err = r.Update(ctx, uid, storage.Fields{
		"zipCode": postalCode,
		"country": country,
		"city":    locality.Name,
		"state":   locality.Region,
	})
	if err != nil {
		return nil, err
	}
	return locality, nil
}
