package chat

import (
	"time"

	"github.com/duetchat/backend/internal/users"
)

// Message is one chat message. The autoincrement id and the creation timestamp
// are both assigned at insert time and are the source of truth for ordering.
type Message struct {
	ID        int64      `gorm:"column:id;primaryKey;autoIncrement"`
	Text      string     `gorm:"column:text;type:text;not null"`
	UserID    int64      `gorm:"column:user_id;not null;index"`
	User      users.User `gorm:"foreignKey:UserID"`
	CreatedAt time.Time  `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing chat messages.
func (Message) TableName() string {
	return "messages"
}
