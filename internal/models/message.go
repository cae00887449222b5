package models

import (
	"time"
)

type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

type Message struct {
	ID                   string    `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	ChatID               string    `gorm:"type:uuid;not null;index" json:"chat_id"`
	OwnerID              string    `gorm:"not null;index" json:"owner_id"`
	TextContent          string    `gorm:"type:text;not null;default:''" json:"text_content"`
	Sender               Sender    `gorm:"type:varchar(8);not null" json:"sender"`
	CreatedAt            time.Time `gorm:"not null;index" json:"created_at"`
	AttachmentMimeType   *string   `json:"attachment_mime_type,omitempty"`
	AttachmentFileName   *string   `json:"attachment_file_name,omitempty"`
	IsWorkflowSuggestion bool      `gorm:"default:false" json:"is_workflow_suggestion,omitempty"`

	// Render-time only.
	Workflows []Workflow `gorm:"-" json:"workflows,omitempty"`
	// Transient marks a message that only lives in local state (optimistic or status).
	Transient bool `gorm:"-" json:"transient,omitempty"`
}

// HasAttachment reports whether the message carries an attachment descriptor.
func (m *Message) HasAttachment() bool {
	return m.AttachmentMimeType != nil && *m.AttachmentMimeType != ""
}
