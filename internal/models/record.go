package models

import "time"

// ChatRecord is the durable transcript of one completed authenticated request.
type ChatRecord struct {
	OwnerID     string             `json:"user_id"`
	ChatID      string             `json:"chat_id"`
	CreatedAt   time.Time          `json:"created_at"`
	Query       string             `json:"query"`
	Answer      string             `json:"response"`
	Topic       string             `json:"topic,omitempty"`
	Language    string             `json:"language"`
	Steps       []StepIllustration `json:"step_images"`
	StepsCount  int                `json:"steps_count"`
	Attachments []AttachmentMeta   `json:"attachments"`
	ExpiresAt   time.Time          `json:"expires_at"`
}

// ChatSummary is the list view of a ChatRecord.
type ChatSummary struct {
	ChatID     string    `json:"chat_id"`
	CreatedAt  time.Time `json:"created_at"`
	Query      string    `json:"query"`
	Topic      string    `json:"topic,omitempty"`
	Language   string    `json:"language"`
	StepsCount int       `json:"steps_count"`
	HasImages  bool      `json:"has_images"`
}

// ChatPage is one page of summaries, newest first.
type ChatPage struct {
	Chats   []ChatSummary `json:"chats"`
	HasMore bool          `json:"has_more"`
}
