package models

import (
	"time"

	"gorm.io/datatypes"
)

// Workflow is a suggested automation, attached to an AI message for rendering.
type Workflow struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// WorkflowExecution records every trigger sent to the automation system.
type WorkflowExecution struct {
	ID           string         `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	OwnerID      string         `gorm:"not null;index" json:"owner_id"`
	ChatID       string         `gorm:"type:uuid;index" json:"chat_id"`
	WorkflowID   string         `gorm:"not null" json:"workflow_id"`
	WorkflowName string         `json:"workflow_name"`
	Success      bool           `json:"success"`
	Message      string         `gorm:"type:text" json:"message"`
	Response     datatypes.JSON `gorm:"type:jsonb" json:"response"`
	CreatedAt    time.Time      `json:"created_at"`
}
