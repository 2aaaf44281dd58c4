package models

import "time"

// GuestSession tracks anonymous usage for one fingerprint within a window.
type GuestSession struct {
	GuestID      string         `json:"guest_id"`
	MessageCount int            `json:"message_count"`
	Messages     []GuestMessage `json:"messages,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
}

// GuestMessage is a truncated log entry of a guest query.
type GuestMessage struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// GuestStatus is the quota view returned to callers.
type GuestStatus struct {
	Allowed      bool `json:"allowed"`
	Remaining    int  `json:"remaining"`
	MessageCount int  `json:"message_count"`
	Limit        int  `json:"limit"`
}
