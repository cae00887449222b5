package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	SettingN8nURL    = "n8n_url"
	SettingN8nAPIKey = "n8n_api_key"
)

type Setting struct {
	ID        uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Key       string    `gorm:"uniqueIndex;not null" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	Encrypted bool      `gorm:"default:false" json:"encrypted"`
	UpdatedAt time.Time `json:"updated_at"`
}
