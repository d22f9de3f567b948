// Package router implements the request-dispatch policies that differ per
// JSON-RPC method: single-primary dispatch for block proposal, full fan-out
// with forkchoice reconciliation for validation, and primary-with-mirroring
// for everything else.
package router

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"execproxy/internal/fleet"
	"execproxy/internal/mirror"
	"execproxy/internal/node"
	"execproxy/internal/prober"
	"execproxy/internal/reconciler"
)

const (
	methodGetPayloadV1        = "engine_getPayloadV1"
	methodForkchoiceUpdatedV1 = "engine_forkchoiceUpdatedV1"
)

// noHealthyNodeMsg is logged (never returned to a caller) when the fleet
// cannot produce a primary even after an on-demand probe.
const noHealthyNodeMsg = "router: no healthy node available after probe"

// live is the part of a Router's state that config hot-reload replaces
// wholesale: a new node list means a new fleet and a new prober watching it.
// The mirror pool outlives reloads since it has no node-specific state.
type live struct {
	fleet     *fleet.Fleet
	prober    *prober.Prober
	threshold float64
}

// Router holds the fleet, dispatch policy, and forkchoice threshold. The
// hot-reloadable fields are published through an atomic.Value so the hot
// dispatch path never takes a lock.
type Router struct {
	current atomic.Value // holds live
	mirror  *mirror.Pool
}

// New constructs a Router over f, using pr for on-demand probing and mp for
// fire-and-forget mirroring. threshold is the fcu_invalid_threshold passed
// to the reconciler.
func New(f *fleet.Fleet, pr *prober.Prober, mp *mirror.Pool, threshold float64) *Router {
	r := &Router{mirror: mp}
	r.current.Store(live{fleet: f, prober: pr, threshold: threshold})
	return r
}

// Replace swaps in a new fleet, prober, and threshold — used by config
// hot-reload when the node list changes. The caller is responsible for
// stopping the previous prober; Replace only publishes the new state.
func (r *Router) Replace(f *fleet.Fleet, pr *prober.Prober, threshold float64) {
	r.current.Store(live{fleet: f, prober: pr, threshold: threshold})
}

// Route dispatches a single JSON-RPC request by method, returning the
// response to send upstream to the consensus client.
func (r *Router) Route(ctx context.Context, method string, body []byte, headers http.Header) node.Response {
	switch method {
	case methodGetPayloadV1:
		return r.routeSinglePrimary(ctx, body, headers)
	case methodForkchoiceUpdatedV1:
		return r.routeForkchoice(ctx, body, headers)
	default:
		return r.routePrimaryWithMirroring(ctx, body, headers)
	}
}

// GetExecutionNode implements the sticky primary-selection policy: return
// the node currently pointed at by primary_index if still Healthy;
// otherwise advance the cursor modulo the healthy list and retry. If the
// healthy list is empty, trigger an immediate probe and retry.
func (r *Router) GetExecutionNode(ctx context.Context) *node.Node {
	for {
		l := r.current.Load().(live)
		v := l.fleet.Snapshot()
		if len(v.Healthy) == 0 {
			l.prober.ProbeOnDemand(ctx)
			if len(l.fleet.Snapshot().Healthy) == 0 {
				slog.Warn(noHealthyNodeMsg)
				return nil
			}
			continue
		}

		idx := l.fleet.PrimaryIndex() % len(v.Healthy)
		n := v.Healthy[idx]
		if n.Label() == node.Healthy {
			return n
		}
		l.fleet.AdvancePrimary(len(v.Healthy))
	}
}

func (r *Router) routeSinglePrimary(ctx context.Context, body []byte, headers http.Header) node.Response {
	primary := r.GetExecutionNode(ctx)
	if primary == nil {
		return node.Response{Status: 0}
	}
	slog.Debug("routing getPayload request", "node", primary.URL)
	return primary.Post(ctx, body, headers)
}

func (r *Router) routeForkchoice(ctx context.Context, body []byte, headers http.Header) node.Response {
	l := r.current.Load().(live)
	v := l.fleet.Snapshot()
	slog.Debug("routing forkchoiceUpdated", "healthy_count", len(v.Healthy))

	// The fan-out runs against context.Background(): a client disconnect
	// must not cancel the backends' handling of the forkchoice update.
	resps := make([]node.Response, len(v.Healthy))
	var wg sync.WaitGroup
	for i, n := range v.Healthy {
		wg.Add(1)
		go func(i int, n *node.Node) {
			defer wg.Done()
			resps[i] = n.Post(context.Background(), body, headers)
		}(i, n)
	}
	wg.Wait()

	if len(resps) == 0 {
		return node.Response{Status: 0}
	}

	first := resps[0]
	result, fellThrough := reconciler.Reconcile(resps, l.threshold)

	// Mirror resps[0] — the first response, not the reconciled result — to
	// every syncing node, but only in the all-VALID fallthrough branch.
	// A forged stall body or a majority-INVALID rejection must never reach
	// a syncing node as if it were real head data; fellThrough is false for
	// both of those outcomes. Fire-and-forget: mirrored work outlives the
	// inbound request's context, since a client disconnect cancels only the
	// return path, not in-flight backend work.
	if fellThrough {
		for _, n := range v.Syncing {
			n := n
			r.mirror.Submit(func() {
				n.Post(context.Background(), first.Body, headersFrom(first.Headers))
			})
		}
	}

	return result
}

func (r *Router) routePrimaryWithMirroring(ctx context.Context, body []byte, headers http.Header) node.Response {
	l := r.current.Load().(live)
	v := l.fleet.Snapshot()
	primary := r.GetExecutionNode(ctx)
	if primary == nil {
		return node.Response{Status: 0}
	}

	result := primary.Post(ctx, body, headers)

	// Mirror to every other healthy node and every syncing node, regardless
	// of identity to the primary — keeps syncing nodes fed the blocks and
	// attestations the consensus client is streaming, and keeps idle
	// healthy nodes consistent. Mirrored work outlives this request's
	// context on purpose.
	for _, n := range v.Healthy {
		if n == primary {
			continue
		}
		n := n
		r.mirror.Submit(func() {
			n.Post(context.Background(), body, headers)
		})
	}
	for _, n := range v.Syncing {
		n := n
		r.mirror.Submit(func() {
			n.Post(context.Background(), body, headers)
		})
	}

	return result
}

func headersFrom(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}
