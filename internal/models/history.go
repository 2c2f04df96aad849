// Package models defines the core data structures for TaskPipe.
package models

import "time"

// HistoryEntry is one side of one conversation turn, kept in the dialog history log.
type HistoryEntry struct {
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
