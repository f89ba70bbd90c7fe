package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/scriptorium-app/scriptorium/backend/internal/auth"
	"github.com/scriptorium-app/scriptorium/backend/internal/rooms"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for the user directory.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service maintains the user directory: identities upserted at sign-in and
// looked up by email when rendering collaborator lists.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the directory service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// ResolveIdentity upserts the directory record for verified provider claims
// and returns it. Creates a new record on first sign-in; refreshes profile
// fields on subsequent ones.
func (s *Service) ResolveIdentity(ctx context.Context, claims auth.ProviderClaims) (Identity, error) {
	provider := normalize(claims.Provider)
	if provider == "" {
		provider = "default"
	}
	subject := normalize(claims.Subject)
	if subject == "" {
		return Identity{}, ErrInvalidIdentity
	}
	email := normalizeEmail(claims.Email)
	if email == "" {
		return Identity{}, ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       email,
			DisplayName: normalize(claims.Name),
			AvatarURL:   normalize(claims.AvatarURL),
			LastSeenAt:  s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
			return Identity{}, err
		}
	} else if err != nil {
		return Identity{}, err
	} else {
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if email != identity.Email {
			updates["user_email"] = email
			identity.Email = email
		}
		if name := normalize(claims.Name); name != "" && name != identity.DisplayName {
			updates["user_display_name"] = name
			identity.DisplayName = name
		}
		if avatar := normalize(claims.AvatarURL); avatar != "" && avatar != identity.AvatarURL {
			updates["user_avatar_url"] = avatar
			identity.AvatarURL = avatar
		}
		_ = s.db.WithContext(ctx).Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity, nil
}

// LookupByEmails returns directory profiles for the given emails. Emails
// without a record are simply absent from the result; callers decide how to
// render unknown collaborators.
func (s *Service) LookupByEmails(ctx context.Context, emails []string) ([]rooms.Profile, error) {
	if len(emails) == 0 {
		return nil, nil
	}
	normalized := make([]string, 0, len(emails))
	for _, email := range emails {
		if e := normalizeEmail(email); e != "" {
			normalized = append(normalized, e)
		}
	}

	var identities []Identity
	if err := s.db.WithContext(ctx).
		Where("user_email IN ?", normalized).
		Find(&identities).Error; err != nil {
		return nil, err
	}

	profiles := make([]rooms.Profile, 0, len(identities))
	for _, identity := range identities {
		profiles = append(profiles, rooms.Profile{
			ID:        identity.UserID,
			Name:      identity.DisplayName,
			Email:     identity.Email,
			AvatarURL: identity.AvatarURL,
		})
	}
	return profiles, nil
}

var _ rooms.DirectoryResolver = (*Service)(nil)
