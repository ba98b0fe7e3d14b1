// Package persist durably commits bundled chunks to a message store through
// a bounded queue with an on-disk overflow log, decoupling client latency
// from store latency.
package persist

import (
	"context"
	"errors"

	"github.com/haasonsaas/roundtable/pkg/models"
)

// AppendResult is the outcome of one store append.
type AppendResult int

const (
	// AppendOK means the chunk was written.
	AppendOK AppendResult = iota
	// AppendDedup means the chunk (or its message's finalized marker) was
	// already present; at-least-once replays land here.
	AppendDedup
)

// Store is the message store contract: one idempotent append keyed on
// (ThreadID, MessageID, Seq).
//
// Finalized=true concludes a message; it is itself idempotent, and once a
// message is finalized every further append for it returns AppendDedup.
type Store interface {
	AppendChunk(ctx context.Context, chunk *models.PersistedChunk) (AppendResult, error)
	Close() error
}

// ErrPermanent wraps store failures that retrying cannot fix, such as
// constraint violations other than the dedup key.
var ErrPermanent = errors.New("persist: permanent store failure")

// IsPermanent reports whether err is a non-retryable store failure.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
