// Package models provides data model definitions for the Attaché client core.
package models

import "strconv"

// TaskIDFromChannel derives the task identity from a chat channel ID.
// Channel IDs carry the numeric task ID as their suffix
// (e.g. "task-1042" or "concierge.chat.1042").
func TaskIDFromChannel(channelID string) (int64, bool) {
	end := len(channelID)
	start := end
	for start > 0 && channelID[start-1] >= '0' && channelID[start-1] <= '9' {
		start--
	}
	if start == end {
		return 0, false
	}
	id, err := strconv.ParseInt(channelID[start:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// UnreadSnapshot is a per-channel unread-count snapshot as reported by
// the backend. Channels with zero unread are omitted, so absence must be
// interpreted as "now read" when merging.
type UnreadSnapshot map[string]int

// CountForTask returns the snapshot count for the channel whose numeric
// suffix matches the task ID, and whether any channel matched.
func (s UnreadSnapshot) CountForTask(taskID int64) (int, bool) {
	for channelID, count := range s {
		if id, ok := TaskIDFromChannel(channelID); ok && id == taskID {
			return count, true
		}
	}
	return 0, false
}
