package models

import (
	"time"
)

const DefaultChatTitle = "New Chat"

type Chat struct {
	ID        string    `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	OwnerID   string    `gorm:"not null;index" json:"owner_id"`
	Title     string    `gorm:"not null;default:'New Chat'" json:"title"`
	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
	Messages  []Message `gorm:"foreignKey:ChatID;constraint:OnDelete:CASCADE" json:"-"`
}
