// Package engine exposes trading engine instances to the bridge through an
// owned Handle with an explicit lifecycle.
package engine

import "context"

// Handle is one logical engine instance. Reads on a handle that is not
// running fail with apperr.ErrNotRunning; Trade reports an unknown id as
// apperr.ErrNoData so callers can consult other sources.
type Handle interface {
	Start(ctx context.Context, cfg StartConfig) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context, cfg StartConfig) error
	Status(ctx context.Context) (Status, error)
	Running() bool

	Balance(ctx context.Context) (Balance, error)
	Positions(ctx context.Context, symbol string) ([]Position, error)
	Trades(ctx context.Context, q TradeQuery) ([]Trade, error)
	Trade(ctx context.Context, id string) (Trade, error)
	Decisions(ctx context.Context, q DecisionQuery) ([]Decision, error)
	ClosePosition(ctx context.Context, symbol string) (Trade, error)
}

// Factory builds the handle for an identity. In single-engine deployments
// identity is empty.
type Factory func(identity string) (Handle, error)
