// Package transport carries the orchestrator side of the request protocol:
// offering a request to a host, reserving its resources and exchanging the
// data payload.
package transport

import (
	"context"
	"time"
)

// Attempt is everything the transport needs to run one exchange with a host.
type Attempt struct {
	ReqID     string
	Src       string
	AttemptNo int
	CosID     int64
	Host      string
	HostAddr  string
	Path      []string
	Data      []byte
}

// Delivery is the outcome of a completed exchange.
type Delivery struct {
	Host        string
	Result      []byte
	ReservedAt  time.Time
	RespondedAt time.Time
}

// Transport runs one attempt against a host. Send blocks until the host
// answers with a result or ctx expires; the dispatch engine owns retries.
// Cancel tells a host to drop a reservation it may still be holding.
type Transport interface {
	Send(ctx context.Context, att Attempt) (Delivery, error)
	Cancel(ctx context.Context, att Attempt) error
}
