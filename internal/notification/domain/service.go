package domain

import (
	"context"
	"errors"
)

var ErrInvalidAudience = errors.New("invalid_audience")

// Sink accepts events without blocking the caller and never reports
// delivery failures back.
type Sink interface {
	Enqueue(ctx context.Context, event Event)
}

type Repository interface {
	Insert(ctx context.Context, n *Notification) error
	List(ctx context.Context, filter ListFilter) ([]Notification, error)
}

type Service interface {
	// List returns notifications addressed to the caller.
	List(ctx context.Context, limit int) ([]Notification, error)
}
