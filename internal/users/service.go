package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrUserNotFound indicates the phone number has no account.
	ErrUserNotFound = errors.New("users: user not found")
	// ErrPhoneTaken indicates another account already owns the phone number.
	ErrPhoneTaken = errors.New("users: phone number already in use")
	// ErrNoOtherParticipant indicates the conversation has no second account yet.
	ErrNoOtherParticipant = errors.New("users: no other participant")

	errMissingDatabase = errors.New("users: database handle is required")
)

// ServiceConfig describes the dependencies of the user store.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns account records and the persisted half of presence: the
// is_online flag and last_seen timestamp on each user row.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the user store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// Create registers a new account for the given phone number.
func (s *Service) Create(ctx context.Context, phone, name string) (User, error) {
	normalized, err := NormalizePhone(phone)
	if err != nil {
		return User{}, err
	}

	var existing User
	err = s.db.WithContext(ctx).Where("phone = ?", normalized).Take(&existing).Error
	if err == nil {
		return User{}, ErrPhoneTaken
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, err
	}

	user := User{Phone: normalized, Name: name}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return User{}, err
	}
	s.logger.Info("user created", zap.String("phone", user.Phone))
	return user, nil
}

// GetByPhone returns the account owning the phone number.
func (s *Service) GetByPhone(ctx context.Context, phone string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("phone = ?", phone).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// OtherParticipant returns the conversation partner of the given phone: any
// account whose phone differs. The lookup is only well defined with exactly
// two accounts; with more it picks the lowest id.
func (s *Service) OtherParticipant(ctx context.Context, phone string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).
		Where("phone <> ?", phone).
		Order("id ASC").
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrNoOtherParticipant
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// SetPresence flips the persisted online flag and returns the updated record.
// Going online clears last_seen; going offline stamps it with the current time.
// Repeated transitions to the same state are idempotent.
func (s *Service) SetPresence(ctx context.Context, phone string, online bool) (User, error) {
	updates := map[string]interface{}{"is_online": online}
	if online {
		updates["last_seen"] = nil
	} else {
		updates["last_seen"] = s.clock().UTC()
	}

	result := s.db.WithContext(ctx).Model(&User{}).Where("phone = ?", phone).Updates(updates)
	if result.Error != nil {
		return User{}, result.Error
	}
	if result.RowsAffected == 0 {
		return User{}, ErrUserNotFound
	}
	return s.GetByPhone(ctx, phone)
}

// ProfileChanges carries the optional fields of a profile update.
type ProfileChanges struct {
	Name  *string
	Phone *string
}

// UpdateProfile applies the requested changes to the account owning the phone.
// Moving to a phone number another account already owns fails with ErrPhoneTaken.
func (s *Service) UpdateProfile(ctx context.Context, phone string, changes ProfileChanges) (User, error) {
	user, err := s.GetByPhone(ctx, phone)
	if err != nil {
		return User{}, err
	}

	updates := map[string]interface{}{}
	if changes.Name != nil {
		updates["name"] = *changes.Name
	}
	if changes.Phone != nil && *changes.Phone != user.Phone {
		normalized, err := NormalizePhone(*changes.Phone)
		if err != nil {
			return User{}, err
		}
		var existing User
		err = s.db.WithContext(ctx).Where("phone = ?", normalized).Take(&existing).Error
		if err == nil {
			return User{}, ErrPhoneTaken
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, err
		}
		updates["phone"] = normalized
		user.Phone = normalized
	}

	if len(updates) == 0 {
		return user, nil
	}

	if err := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", user.ID).Updates(updates).Error; err != nil {
		return User{}, err
	}
	return s.GetByPhone(ctx, user.Phone)
}

// SetAvatarKey stores the object key of the account's avatar; an empty key
// clears it.
func (s *Service) SetAvatarKey(ctx context.Context, phone, avatarKey string) (User, error) {
	result := s.db.WithContext(ctx).Model(&User{}).
		Where("phone = ?", phone).
		Update("avatar_key", avatarKey)
	if result.Error != nil {
		return User{}, result.Error
	}
	if result.RowsAffected == 0 {
		return User{}, ErrUserNotFound
	}
	return s.GetByPhone(ctx, phone)
}

// SetPushSubscription stores the opaque push endpoint payload for the account,
// replacing any prior subscription.
func (s *Service) SetPushSubscription(ctx context.Context, phone, subscription string) error {
	result := s.db.WithContext(ctx).Model(&User{}).
		Where("phone = ?", phone).
		Update("push_subscription", subscription)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ClearPushSubscription removes the stored push subscription. Clearing an
// account with no subscription is a no-op.
func (s *Service) ClearPushSubscription(ctx context.Context, phone string) error {
	err := s.db.WithContext(ctx).Model(&User{}).
		Where("phone = ?", phone).
		Update("push_subscription", "").Error
	if err != nil {
		return fmt.Errorf("users: clear push subscription: %w", err)
	}
	return nil
}
