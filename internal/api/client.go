// Package api is the typed client over the network gateway. It owns the
// backend's endpoint shapes: wire records are decoded here, tolerantly,
// and handed to callers as model values. Nothing above this package
// parses backend payloads.
package api

import (
	"context"
	"strconv"

	jsoniter "github.com/json-iterator/go"

	"github.com/attache-app/core/internal/errors"
	"github.com/attache-app/core/internal/gateway"
	"github.com/attache-app/core/internal/logging"
	"github.com/attache-app/core/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Direction selects which side of the fetched range a page extends.
type Direction string

const (
	// DirectionOlder pages backward from the min cursor.
	DirectionOlder Direction = "older"

	// DirectionNewer pages forward from the max cursor.
	DirectionNewer Direction = "newer"
)

// PageRequest describes one page fetch. A nil cursor requests the
// newest records regardless of direction.
type PageRequest struct {
	Cursor    *string
	Limit     int
	Direction Direction

	// FromCache serves the page from the offline response cache.
	FromCache bool
}

// TaskPage is one decoded page. Countable is the number of records that
// count toward the fetch-more decision: decode failures are skipped and
// tombstones are merged, but neither is counted, so a page holding only
// deletions reads as the end of the range.
type TaskPage struct {
	Tasks     []*models.Task
	Countable int
	FromCache bool
}

// HasMore reports whether another page should be requested. The
// boundary is an empty page: any countable record means the range may
// extend further.
func (p *TaskPage) HasMore() bool {
	return p.Countable > 0
}

// Doer is the gateway surface the client needs.
type Doer interface {
	Do(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

// Client is the typed backend client.
type Client struct {
	gw Doer
}

// NewClient creates a Client over the given gateway.
func NewClient(gw Doer) *Client {
	return &Client{gw: gw}
}

// taskRecord is the wire shape of one task.
type taskRecord struct {
	ID          int64              `json:"id"`
	Title       string             `json:"title"`
	Completed   bool               `json:"completed"`
	Deleted     bool               `json:"deleted"`
	UnreadCount int                `json:"unread_count"`
	LastMessage *chatMessageRecord `json:"last_message"`
	Etag        *string            `json:"etag"`
	UpdatedAt   int64              `json:"updated_at"`
}

type chatMessageRecord struct {
	Text      string `json:"text"`
	Author    string `json:"author"`
	Timestamp int64  `json:"timestamp"`
}

func (r *taskRecord) toModel() *models.Task {
	task := &models.Task{
		ID:          r.ID,
		Title:       r.Title,
		Completed:   r.Completed,
		Deleted:     r.Deleted,
		UnreadCount: r.UnreadCount,
		Etag:        r.Etag,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.LastMessage != nil {
		task.LastMessage = &models.ChatMessage{
			Text:      r.LastMessage.Text,
			Author:    r.LastMessage.Author,
			Timestamp: r.LastMessage.Timestamp,
		}
	}
	return task
}

// pageEnvelope defers per-record decoding so one malformed record never
// poisons the page.
type pageEnvelope struct {
	Tasks []jsoniter.RawMessage `json:"tasks"`
}

// FetchTaskPage fetches one page of tasks. Records that fail to decode
// are logged and skipped; tombstones are returned for merging but do
// not count toward pagination.
func (c *Client) FetchTaskPage(ctx context.Context, page PageRequest) (*TaskPage, error) {
	query := map[string]string{
		"limit":     strconv.Itoa(page.Limit),
		"direction": string(page.Direction),
	}
	if page.Cursor != nil {
		query["cursor"] = *page.Cursor
	}

	req := gateway.Request{
		Path:         "/v1/tasks",
		Query:        query,
		RequiresAuth: true,
	}
	if page.FromCache {
		req.Mode = gateway.ModeCache
	}

	resp, err := c.gw.Do(ctx, req)
	if err != nil {
		return nil, err
	}

	var envelope pageEnvelope
	if err := resp.Decode(&envelope); err != nil {
		return nil, err
	}

	result := &TaskPage{FromCache: resp.FromCache}
	for _, raw := range envelope.Tasks {
		var record taskRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			logging.Warn("Skipping undecodable task record",
				map[string]interface{}{"error": err.Error()})
			continue
		}
		task := record.toModel()
		result.Tasks = append(result.Tasks, task)
		if !task.Deleted {
			result.Countable++
		}
	}
	return result, nil
}

// FetchUnreadCounts fetches the per-channel unread snapshot.
func (c *Client) FetchUnreadCounts(ctx context.Context) (models.UnreadSnapshot, error) {
	resp, err := c.gw.Do(ctx, gateway.Request{
		Path:         "/v1/channels/unread",
		RequiresAuth: true,
		SkipCache:    true,
	})
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Channels map[string]int `json:"channels"`
	}
	if err := resp.Decode(&envelope); err != nil {
		return nil, err
	}
	return models.UnreadSnapshot(envelope.Channels), nil
}

// Attachment is one file attached to a task.
type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// FetchAttachments fetches the attachment listing for one task.
func (c *Client) FetchAttachments(ctx context.Context, taskID int64) ([]Attachment, error) {
	resp, err := c.gw.Do(ctx, gateway.Request{
		Path:         "/v1/tasks/" + strconv.FormatInt(taskID, 10) + "/attachments",
		RequiresAuth: true,
	})
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Attachments []Attachment `json:"attachments"`
	}
	if err := resp.Decode(&envelope); err != nil {
		return nil, err
	}
	return envelope.Attachments, nil
}

// SaveDraft persists a chat draft on the task's channel.
func (c *Client) SaveDraft(ctx context.Context, taskID int64, text string) error {
	_, err := c.gw.Do(ctx, gateway.Request{
		Method: "POST",
		Path:   "/v1/tasks/" + strconv.FormatInt(taskID, 10) + "/draft",
		Body: map[string]string{
			"text": text,
		},
		RequiresAuth: true,
		SkipCache:    true,
	})
	if err != nil && !errors.Is(err, errors.ErrEmptyResponse) {
		return err
	}
	return nil
}
