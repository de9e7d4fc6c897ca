// Package router decides which engine handle answers a request.
package router

import (
	"context"

	"github.com/feng04-qyq/backend/internal/auth"
	"github.com/feng04-qyq/backend/internal/engine"
	"github.com/feng04-qyq/backend/pkg/apperr"
)

const (
	ModeSingle = "single"
	ModeMulti  = "multi"
)

// Router maps an identity to its engine handle. The deployment mode is fixed
// at construction.
type Router struct {
	single engine.Handle
	pool   *engine.Pool
}

// NewSingle routes every identity to one shared handle.
func NewSingle(h engine.Handle) *Router {
	return &Router{single: h}
}

// NewMulti routes each identity to its own pooled handle.
func NewMulti(pool *engine.Pool) *Router {
	return &Router{pool: pool}
}

func (r *Router) Mode() string {
	if r.pool != nil {
		return ModeMulti
	}
	return ModeSingle
}

func (r *Router) Multi() bool { return r.pool != nil }

// Identity is the engine identity for a session: the user id in multi mode,
// empty otherwise.
func (r *Router) Identity(s *auth.Session) string {
	if r.pool == nil || s == nil {
		return ""
	}
	return s.UserID
}

// Resolve returns the handle for identity.
func (r *Router) Resolve(identity string) (engine.Handle, error) {
	if r.pool == nil {
		return r.single, nil
	}
	if identity == "" {
		return nil, apperr.ErrInvalidRequest.WithDetail("identity required in multi-user mode")
	}
	return r.pool.GetOrCreate(identity)
}

// Lookup returns the handle for identity only if it already exists.
func (r *Router) Lookup(identity string) (engine.Handle, bool) {
	if r.pool == nil {
		return r.single, r.single != nil
	}
	return r.pool.Get(identity)
}

// StopAll stops whatever is running.
func (r *Router) StopAll(ctx context.Context) {
	if r.pool != nil {
		r.pool.StopAll(ctx)
		return
	}
	if r.single != nil && r.single.Running() {
		_ = r.single.Stop(ctx)
	}
}

type handleKey struct{}

// WithHandle stores the resolved handle in a request context.
func WithHandle(ctx context.Context, h engine.Handle) context.Context {
	return context.WithValue(ctx, handleKey{}, h)
}

// HandleFrom returns the handle stored by WithHandle.
func HandleFrom(ctx context.Context) (engine.Handle, bool) {
	h, ok := ctx.Value(handleKey{}).(engine.Handle)
	return h, ok
}
