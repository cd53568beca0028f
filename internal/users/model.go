package users

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrInvalidPhone indicates the phone number does not match the expected format.
	ErrInvalidPhone = errors.New("users: invalid phone number")

	phonePattern = regexp.MustCompile(`^\+[0-9]{10,15}$`)
)

// User is a registered account keyed by phone number. Presence fields obey the
// invariant that an online user has no last-seen timestamp; LastSeen records the
// most recent transition to offline.
type User struct {
	ID               int64      `gorm:"column:id;primaryKey;autoIncrement"`
	Phone            string     `gorm:"column:phone;size:32;uniqueIndex;not null"`
	Name             string     `gorm:"column:name;size:190;not null"`
	AvatarKey        string     `gorm:"column:avatar_key;size:255"`
	PushSubscription string     `gorm:"column:push_subscription;type:text"`
	IsOnline         bool       `gorm:"column:is_online;not null;default:false"`
	LastSeen         *time.Time `gorm:"column:last_seen"`
	CreatedAt        time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user accounts.
func (User) TableName() string {
	return "users"
}

// NormalizePhone trims the raw input and validates it as an international phone
// number (a plus sign followed by 10 to 15 digits).
func NormalizePhone(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !phonePattern.MatchString(trimmed) {
		return "", ErrInvalidPhone
	}
	return trimmed, nil
}
