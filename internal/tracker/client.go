// Package tracker talks to the remote platform that holds tracked work
// items. Phase handlers consume it; the engine never touches it directly.
package tracker

import (
	"context"
	"errors"
	"time"
)

// ErrItemNotFound indicates the tracked item does not exist remotely.
var ErrItemNotFound = errors.New("tracker: item not found")

// Item is a tracked work item on the remote platform.
type Item struct {
	Number    int
	Title     string
	Body      string
	State     string
	Labels    []string
	URL       string
	UpdatedAt time.Time
}

// ItemRequest carries fields for creating or updating an item. Nil
// fields are left unchanged on update.
type ItemRequest struct {
	Title  *string
	Body   *string
	State  *string
	Labels *[]string
}

// Client is the boundary to the remote tracking platform.
type Client interface {
	// Get fetches one tracked item by number.
	Get(ctx context.Context, number int) (*Item, error)

	// Create opens a new tracked item.
	Create(ctx context.Context, req *ItemRequest) (*Item, error)

	// Update edits an existing tracked item.
	Update(ctx context.Context, number int, req *ItemRequest) (*Item, error)

	// Comment appends a comment to a tracked item.
	Comment(ctx context.Context, number int, body string) error

	// Close closes a tracked item.
	Close(ctx context.Context, number int) error
}
