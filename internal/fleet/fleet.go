// Package fleet holds the derived, ordered snapshot of backend nodes the
// router dispatches against: healthy (fastest first), syncing, and offline
// lists, plus the sticky primary cursor. The snapshot is published as an
// atomically swappable immutable value — the prober is the only writer, and
// readers on the hot dispatch path never take a lock.
package fleet

import (
	"sync/atomic"

	"execproxy/internal/node"
)

// View is an immutable snapshot of the fleet. Every configured node appears
// in exactly one of Healthy, Syncing, or Offline.
type View struct {
	Healthy []*node.Node // sorted ascending by last measured latency
	Syncing []*node.Node
	Offline []*node.Node
}

// Fleet publishes a View that dispatchers read and the prober replaces
// wholesale at the end of every probe cycle.
type Fleet struct {
	all     []*node.Node
	current atomic.Value // holds View

	primaryIndex atomic.Int64
}

// New creates a Fleet over the given nodes. The initial view places every
// node Offline until the first probe classifies them.
func New(nodes []*node.Node) *Fleet {
	f := &Fleet{all: nodes}
	f.current.Store(View{Offline: append([]*node.Node(nil), nodes...)})
	return f
}

// All returns every configured node, regardless of current label.
func (f *Fleet) All() []*node.Node { return f.all }

// Snapshot returns the current view. Safe for concurrent use; the caller
// receives either the pre- or post-probe view for the duration of its
// request, never a torn mix of the two.
func (f *Fleet) Snapshot() View {
	return f.current.Load().(View)
}

// Store atomically replaces the current view. Only the prober calls this.
func (f *Fleet) Store(v View) {
	f.current.Store(v)
}

// PrimaryIndex returns the current sticky-primary cursor.
func (f *Fleet) PrimaryIndex() int {
	return int(f.primaryIndex.Load())
}

// AdvancePrimary moves the cursor forward modulo n (the size of the current
// healthy list), used when the previously-preferred primary is found dead.
func (f *Fleet) AdvancePrimary(n int) {
	if n <= 0 {
		return
	}
	next := (f.PrimaryIndex() + 1) % n
	f.primaryIndex.Store(int64(next))
}
