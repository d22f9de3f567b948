// Package admin provides a read-only operational view of the EL fleet: live
// health labels, per-node latency, and aggregate counts. Unlike the
// teacher's backend registry, nodes here are never added, removed, or
// blocked through this package — the fleet is owned by the router/prober
// and this is strictly an observability surface over it.
package admin

import (
	"sync/atomic"

	"execproxy/internal/fleet"
	"execproxy/internal/node"
)

// NodeInfo is the JSON representation of one node's current state.
type NodeInfo struct {
	URL       string `json:"url"`
	Label     string `json:"label"`
	LatencyMs int64  `json:"latency_ms"`
}

// View reports on the fleet's current state for the admin dashboard. The
// underlying fleet is held behind an atomic pointer so config hot-reload can
// swap in a rebuilt fleet without restarting the admin server.
type View struct {
	fleet atomic.Pointer[fleet.Fleet]
}

// NewView creates a View over f.
func NewView(f *fleet.Fleet) *View {
	v := &View{}
	v.fleet.Store(f)
	return v
}

// Replace swaps in a new fleet, used when config hot-reload rebuilds the
// node list.
func (v *View) Replace(f *fleet.Fleet) {
	v.fleet.Store(f)
}

// List returns every configured node with its current label and latency.
func (v *View) List() []NodeInfo {
	f := v.fleet.Load()
	snapshot := f.Snapshot()
	out := make([]NodeInfo, 0, len(f.All()))

	appendAll := func(nodes []*node.Node) {
		for _, n := range nodes {
			out = append(out, NodeInfo{
				URL:       n.URL,
				Label:     n.Label().String(),
				LatencyMs: n.LastLatency().Milliseconds(),
			})
		}
	}
	appendAll(snapshot.Healthy)
	appendAll(snapshot.Syncing)
	appendAll(snapshot.Offline)

	return out
}

// Counts summarizes the fleet for the /api/stats endpoint.
type Counts struct {
	Healthy int `json:"healthy"`
	Syncing int `json:"syncing"`
	Offline int `json:"offline"`
}

// Counts returns the current size of each fleet bucket.
func (v *View) Counts() Counts {
	snapshot := v.fleet.Load().Snapshot()
	return Counts{
		Healthy: len(snapshot.Healthy),
		Syncing: len(snapshot.Syncing),
		Offline: len(snapshot.Offline),
	}
}
