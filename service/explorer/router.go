package explorer

import (
	"context"
	"fmt"

	"github.com/brojonat/chainquery/service/chain"
)

// Router dispatches each address to the explorer for its chain family.
type Router struct {
	explorers map[chain.Kind]Explorer
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{explorers: make(map[chain.Kind]Explorer)}
}

// Register serves addresses of the given kind with e. A nil explorer is ignored.
func (r *Router) Register(kind chain.Kind, e Explorer) *Router {
	if e != nil {
		r.explorers[kind] = e
	}
	return r
}

// Supports reports whether an explorer is registered for kind.
func (r *Router) Supports(kind chain.Kind) bool {
	_, ok := r.explorers[kind]
	return ok
}

func (r *Router) route(address string) (Explorer, error) {
	kind := chain.Classify(address)
	e, ok := r.explorers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrUnsupportedChain, address, kind)
	}
	return e, nil
}

// Balance implements Explorer.
func (r *Router) Balance(ctx context.Context, address string) (string, error) {
	e, err := r.route(address)
	if err != nil {
		return "", err
	}
	return e.Balance(ctx, address)
}

// Transactions implements Explorer.
func (r *Router) Transactions(ctx context.Context, address string, limit int) ([]Transaction, error) {
	e, err := r.route(address)
	if err != nil {
		return nil, err
	}
	return e.Transactions(ctx, address, limit)
}
