package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/duetchat/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultPageLimit = 50

var (
	// ErrEmptyMessage indicates the message text was empty or whitespace.
	ErrEmptyMessage = errors.New("chat: message text must not be empty")
	// ErrMessageNotFound indicates the message does not exist or is not owned
	// by the requester.
	ErrMessageNotFound = errors.New("chat: message not found")

	errMissingDatabase = errors.New("chat: database handle is required")
	errMissingUsers    = errors.New("chat: user service is required")
)

// ServiceConfig describes the dependencies of the message store.
type ServiceConfig struct {
	Database *gorm.DB
	Users    *users.Service
	Clock    func() time.Time
	Logger   *zap.Logger
	// PageLimit caps list queries when the caller does not supply a limit.
	PageLimit int
}

// Service persists and retrieves chat messages.
type Service struct {
	db        *gorm.DB
	users     *users.Service
	clock     func() time.Time
	logger    *zap.Logger
	pageLimit int
}

// NewService constructs the message store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Users == nil {
		return nil, errMissingUsers
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pageLimit := cfg.PageLimit
	if pageLimit <= 0 {
		pageLimit = defaultPageLimit
	}
	return &Service{
		db:        cfg.Database,
		users:     cfg.Users,
		clock:     clock,
		logger:    logger,
		pageLimit: pageLimit,
	}, nil
}

// CreateMessage validates and persists a message from the given sender and
// returns it with the sender record attached.
func (s *Service) CreateMessage(ctx context.Context, senderPhone, text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, ErrEmptyMessage
	}

	sender, err := s.users.GetByPhone(ctx, senderPhone)
	if err != nil {
		return Message{}, err
	}

	message := Message{
		Text:      text,
		UserID:    sender.ID,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		s.logger.Error("message insert failed", zap.String("sender", senderPhone), zap.Error(err))
		return Message{}, err
	}
	message.User = sender
	return message, nil
}

// ListRecent returns the most recent limit messages in chronological order
// (oldest first).
func (s *Service) ListRecent(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = s.pageLimit
	}

	var messages []Message
	err := s.db.WithContext(ctx).
		Preload("User").
		Order("id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}

	sort.Slice(messages, func(i, j int) bool { return messages[i].ID < messages[j].ID })
	return messages, nil
}

// ListAfter returns up to limit messages with id greater than lastMessageID,
// in chronological order. Used for incremental catch-up after a reconnect.
func (s *Service) ListAfter(ctx context.Context, lastMessageID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = s.pageLimit
	}

	var messages []Message
	err := s.db.WithContext(ctx).
		Preload("User").
		Where("id > ?", lastMessageID).
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// DeleteMessage hard-deletes the message when it exists and was authored by
// the requester; otherwise it fails with ErrMessageNotFound.
func (s *Service) DeleteMessage(ctx context.Context, messageID int64, requesterPhone string) error {
	requester, err := s.users.GetByPhone(ctx, requesterPhone)
	if err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			return ErrMessageNotFound
		}
		return err
	}

	result := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", messageID, requester.ID).
		Delete(&Message{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrMessageNotFound
	}
	return nil
}
