// Package output delivers encoded analysis results to the configured sink.
package output

import (
	"context"

	"github.com/drblury/marketflow/internal/runtime/envelope"
	metadatapkg "github.com/drblury/marketflow/internal/runtime/metadata"
)

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=outputmock -destination=outputmock/sink_mock.go github.com/drblury/marketflow/internal/runtime/output Sink,Deduper

// Envelope is one encoded result ready for a sink.
type Envelope struct {
	Result         envelope.Result
	Payload        []byte
	IdempotencyKey string
	Metadata       metadatapkg.Metadata
}

// Sink is a result destination. Send must be safe for concurrent use and
// should be idempotent on Envelope.IdempotencyKey where the backend allows it.
type Sink interface {
	Name() string
	Send(ctx context.Context, env Envelope) error
	Close() error
}

// Deduper guards against sending the same result twice. A key is first
// claimed with a short lease and only marked delivered after the sink accepted
// the result, so a claim left behind by a crashed worker expires on its own.
type Deduper interface {
	// Reserve claims key for the lease. It reports false when the key was
	// already delivered and fails with ErrReservationHeld while another
	// claim on it is still pending.
	Reserve(ctx context.Context, key string) (bool, error)
	// Commit marks a claimed key delivered for the full TTL.
	Commit(ctx context.Context, key string) error
	// Release drops a claim so a later attempt can send again.
	Release(ctx context.Context, key string) error
}
