package models

import (
	"time"

	"github.com/google/uuid"
)

// Message represents an individual entry of an assistant conversation. It contains the participant's
// role, the text content, the time it was created and, for image submissions, the attached image.
// Messages are never modified after they are appended to a session.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// Image would be filled if the user attached an image or a screen capture to the message.
	Image *Image `json:"-"`
	// ImageAnalysis tags assistant messages that answered an image or a screen capture.
	ImageAnalysis string `json:"imageAnalysis,omitempty"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed, spoken or uploaded by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the assistant, including informational and error
	// messages synthesized by the session itself.
	RoleAssistant Role = "assistant"
)

// NewMessage creates a message with a fresh identifier stamped with the current time.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// HasImage reports whether the message carries an image attachment.
func (m Message) HasImage() bool {
	return m.Image != nil && len(m.Image.Data) > 0
}
