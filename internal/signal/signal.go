// Package signal delivers rolling upgrade state from the coordinator to the node.
//
// Delivery is at-least-once and may lag the coordinator by a poll interval.
// Handlers must therefore be idempotent, and callers that wait for a state
// change must allow a bounded propagation delay.
package signal

import (
	"context"
	"fmt"
	"strings"

	"github.com/tunnelmesh/datanode/internal/block"
)

// Kind is the upgrade command carried by a signal.
type Kind int

const (
	// UpgradeStarted opens the trash window for a pool.
	UpgradeStarted Kind = iota + 1
	// UpgradeFinalized commits the upgrade and discards the pool's trash.
	UpgradeFinalized
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case UpgradeStarted:
		return "started"
	case UpgradeFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind parses an upgrade status token. Casing is not significant: admin
// tooling has used both "start"/"finalize" and upper-cased forms.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "started", "start":
		return UpgradeStarted, nil
	case "finalized", "finalize":
		return UpgradeFinalized, nil
	default:
		return 0, fmt.Errorf("unknown upgrade status %q", s)
	}
}

// Signal is one delivery of a pool's upgrade state.
type Signal struct {
	Pool block.PoolID
	Kind Kind
}

// String formats the signal for logs.
func (s Signal) String() string {
	return fmt.Sprintf("%s:%s", s.Pool, s.Kind)
}

// Source yields the signals that are due for delivery.
type Source interface {
	Poll(ctx context.Context) ([]Signal, error)
}

// Handler applies a signal. Returning an error asks for redelivery.
type Handler interface {
	HandleSignal(ctx context.Context, sig Signal) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, sig Signal) error

// HandleSignal calls f.
func (f HandlerFunc) HandleSignal(ctx context.Context, sig Signal) error {
	return f(ctx, sig)
}
