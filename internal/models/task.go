// Package models provides data model definitions for the Attaché client core.
package models

import (
	"fmt"
	"time"
)

// Task represents one concierge service request. It is the unit of
// synchronization: fetched in pages from the backend, merged with
// real-time chat events, and persisted locally for offline use.
type Task struct {
	// ID is the immutable numeric identity assigned by the server.
	ID int64 `db:"id" json:"id"`

	// CustomID identifies a record synthesized locally before the
	// server-assigned ID is known.
	CustomID string `db:"custom_id" json:"custom_id,omitempty"`

	Title     string `db:"title" json:"title"`
	Completed bool   `db:"completed" json:"completed"`

	// Deleted marks a tombstone. Tombstones are filtered from display
	// but still merged, so an out-of-order delete event is absorbed
	// until superseded.
	Deleted bool `db:"deleted" json:"deleted"`

	UnreadCount int `db:"unread_count" json:"unread_count"`

	// LastMessage is the most recent sent or received chat message on
	// the task's channel, nil when the channel is empty.
	LastMessage *ChatMessage `db:"last_message" json:"last_message,omitempty"`

	// Draft is the last unsent draft on the task's channel, nil when
	// there is none. A sent message supersedes any draft.
	Draft *ChatMessage `db:"draft" json:"draft,omitempty"`

	// Etag is the server-assigned opaque pagination cursor. It is not
	// a conflict token; it only bounds the fetched range.
	Etag *string `db:"etag" json:"etag,omitempty"`

	// UpdatedAt is the server-side modification time, unix seconds.
	UpdatedAt int64 `db:"updated_at" json:"updated_at"`
}

// LatestChatActivity returns the timestamp of the most recent chat
// activity on the task: the newer of the last message and the draft,
// 0 when neither exists.
func (t *Task) LatestChatActivity() int64 {
	var latest int64
	if t.LastMessage != nil && t.LastMessage.Timestamp > latest {
		latest = t.LastMessage.Timestamp
	}
	if t.Draft != nil && t.Draft.Timestamp > latest {
		latest = t.Draft.Timestamp
	}
	return latest
}

// RecencyKey returns the value ordering tasks by recency:
// max(latest chat activity, updated_at). It is the total order used both
// to pick the winning version during merge and to sort the display list.
func (t *Task) RecencyKey() int64 {
	key := t.UpdatedAt
	if activity := t.LatestChatActivity(); activity > key {
		key = activity
	}
	return key
}

// MoreRecentThan reports whether t carries more recent activity than
// other under the recency total order.
func (t *Task) MoreRecentThan(other *Task) bool {
	return t.RecencyKey() > other.RecencyKey()
}

// Clone returns a deep copy of the task. Snapshots handed across
// goroutine boundaries must never alias the authoritative record.
func (t *Task) Clone() *Task {
	clone := *t
	if t.LastMessage != nil {
		msg := *t.LastMessage
		clone.LastMessage = &msg
	}
	if t.Draft != nil {
		draft := *t.Draft
		clone.Draft = &draft
	}
	if t.Etag != nil {
		etag := *t.Etag
		clone.Etag = &etag
	}
	return &clone
}

// DisplayDate returns the formatted update date. Derived fields are pure
// functions of the record, recomputed on load, never persisted.
func (t *Task) DisplayDate() string {
	if t.UpdatedAt == 0 {
		return ""
	}
	return time.Unix(t.UpdatedAt, 0).UTC().Format("Jan 2, 2006")
}

// Subtitle returns the display subtitle: the draft when one exists,
// otherwise the last message, otherwise empty.
func (t *Task) Subtitle() string {
	if t.Draft != nil && t.Draft.Text != "" {
		return fmt.Sprintf("Draft: %s", t.Draft.Text)
	}
	if t.LastMessage != nil {
		return t.LastMessage.Text
	}
	return ""
}
