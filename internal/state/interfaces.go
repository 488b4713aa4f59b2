package state

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicate is returned by keyed inserts when a row with the same primary
// key already exists. Callers retrying a write may treat it as success.
var ErrDuplicate = errors.New("duplicate key")

type Store interface {
	UpsertCos(ctx context.Context, cos CosRecord) error
	GetCos(ctx context.Context, id int64) (CosRecord, bool, error)
	ListCos(ctx context.Context) ([]CosRecord, error)

	CreateRequest(ctx context.Context, req RequestRecord) error
	GetRequest(ctx context.Context, id, src string) (RequestRecord, bool, error)
	UpdateRequest(ctx context.Context, req RequestRecord) error
	ListRequests(ctx context.Context, query RequestQuery) ([]RequestRecord, error)

	CreateAttempt(ctx context.Context, att AttemptRecord) error
	UpdateAttempt(ctx context.Context, att AttemptRecord) error
	ListAttempts(ctx context.Context, id, src string) ([]AttemptRecord, error)

	CreateResponse(ctx context.Context, resp ResponseRecord) error
	ListResponses(ctx context.Context, id, src string) ([]ResponseRecord, error)

	CreatePath(ctx context.Context, path PathRecord) error
	ListPaths(ctx context.Context, id, src string) ([]PathRecord, error)
}

type Queue interface {
	Enqueue(ctx context.Context, ref RequestRef) error
	EnqueueMany(ctx context.Context, refs []RequestRef) error
	Claim(ctx context.Context, max int, consumer string, visibilityTimeout time.Duration) ([]QueueClaim, error)
	Ack(ctx context.Context, claims []QueueClaim) error
	Nack(ctx context.Context, claims []QueueClaim, reason string) error
	RequeueExpired(ctx context.Context, now time.Time, max int) (int, error)
	ListDeadLetters(ctx context.Context, limit int) ([]RequestRef, error)
	RequeueDeadLetters(ctx context.Context, refs []RequestRef) (int, error)
}
