// Package models provides data model definitions for the Attaché client core.
package models

// ChatMessage is a message preview on a task's chat channel.
type ChatMessage struct {
	Text      string `db:"text" json:"text"`
	Author    string `db:"author" json:"author,omitempty"`
	Timestamp int64  `db:"timestamp" json:"timestamp"`
	IsDraft   bool   `db:"is_draft" json:"is_draft"`
}

// NewerThan reports whether m is strictly newer than other. A nil other
// is treated as the epoch, so any message is newer than no message.
func (m *ChatMessage) NewerThan(other *ChatMessage) bool {
	if m == nil {
		return false
	}
	if other == nil {
		return true
	}
	return m.Timestamp > other.Timestamp
}
