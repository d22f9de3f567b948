// Package prober implements the periodic health probe that classifies every
// backend node as Offline, Healthy, or Syncing via eth_syncing, and rebuilds
// the router's fleet view once per cycle.
//
// The prober never propagates an error: a transport failure, an
// unparseable body, or a JSON-RPC error response all resolve to Offline and
// are logged, never returned to a caller. A cycle that finds zero healthy
// nodes simply leaves the healthy list empty — it is the router's job to
// trigger another cycle on demand when that happens.
package prober

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"execproxy/internal/fleet"
	"execproxy/internal/jwtauth"
	"execproxy/internal/node"
)

// Interval is the fixed scheduled re-check cadence.
const Interval = 30 * time.Second

const syncingRequestBody = `{"id":1,"jsonrpc":"2.0","method":"eth_syncing","params":[]}`

// Prober periodically probes all backends and publishes a fresh fleet.View.
type Prober struct {
	fleet  *fleet.Fleet
	secret []byte

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// onDemandMu serializes concurrent on-demand triggers so a thundering
	// herd of dispatchers with an empty healthy list doesn't fire a probe
	// cycle per caller.
	onDemandMu sync.Mutex
}

// New creates a Prober over the given Fleet, signing probe tokens with
// secret. Call Start to begin the scheduled loop.
func New(f *fleet.Fleet, secret []byte) *Prober {
	return &Prober{fleet: f, secret: secret}
}

// Secret returns the JWT signing secret this Prober probes with, so a
// config hot-reload can reuse it when rebuilding the fleet over a new node
// list without re-reading the secret file.
func (p *Prober) Secret() []byte {
	return p.secret
}

// Start begins the background 30s probe loop. It runs an immediate cycle
// before the first tick so the fleet is classified quickly at startup.
func (p *Prober) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(Interval)
		defer ticker.Stop()

		p.ProbeAll(ctx)

		for {
			select {
			case <-ticker.C:
				p.ProbeAll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop shuts down the background loop and waits for it to exit.
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// ProbeOnDemand runs a single synchronous probe cycle, used by the router
// when it needs a classified fleet and finds the healthy list empty.
// A caller that waited behind another on-demand cycle which already found a
// healthy node returns without probing again.
func (p *Prober) ProbeOnDemand(ctx context.Context) {
	p.onDemandMu.Lock()
	defer p.onDemandMu.Unlock()
	if len(p.fleet.Snapshot().Healthy) > 0 {
		return
	}
	p.ProbeAll(ctx)
}

// classification is the (node_id, status, elapsed) tuple a probe produces.
// ProbeAll dereferences back into the fleet via n itself — never a
// stored back-pointer into some other owner's state.
type classification struct {
	n       *node.Node
	label   node.Label
	elapsed time.Duration
}

// ProbeAll issues eth_syncing against every node concurrently, classifies
// each response, and rebuilds the fleet view from scratch.
func (p *Prober) ProbeAll(ctx context.Context) {
	nodes := p.fleet.All()
	results := make([]classification, len(nodes))

	var wg sync.WaitGroup
	for i, n := range nodes {
		wg.Add(1)
		go func(i int, n *node.Node) {
			defer wg.Done()
			results[i] = p.probeOne(ctx, n)
		}(i, n)
	}
	wg.Wait()

	var healthy, syncing, offline []*node.Node
	for _, r := range results {
		switch r.label {
		case node.Healthy:
			healthy = append(healthy, r.n)
		case node.Syncing:
			syncing = append(syncing, r.n)
		default:
			offline = append(offline, r.n)
		}
	}

	sort.SliceStable(healthy, func(i, j int) bool {
		return healthy[i].LastLatency() < healthy[j].LastLatency()
	})

	p.fleet.Store(fleet.View{Healthy: healthy, Syncing: syncing, Offline: offline})
}

func (p *Prober) probeOne(ctx context.Context, n *node.Node) classification {
	token, err := jwtauth.Sign(p.secret, time.Now().Unix())
	if err != nil {
		slog.Error("prober: minting token failed", "node", n.URL, "error", err)
		n.MarkOffline()
		return classification{n: n, label: node.Offline}
	}

	headers := http.Header{"Content-Type": {"application/json"}}

	start := time.Now()
	resp := n.PostWithJWT(ctx, []byte(syncingRequestBody), headers, token)
	elapsed := time.Since(start)
	n.SetLastLatency(elapsed)

	if resp.Status == 0 {
		// Post already marked the node Offline on transport failure.
		return classification{n: n, label: node.Offline, elapsed: elapsed}
	}

	var parsed struct {
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		slog.Error("prober: unparseable response", "node", n.URL, "error", err)
		n.MarkOffline()
		return classification{n: n, label: node.Offline, elapsed: elapsed}
	}

	if len(parsed.Error) > 0 && string(parsed.Error) != "null" {
		slog.Error("prober: backend returned error", "node", n.URL, "error", string(parsed.Error))
		n.MarkOffline()
		return classification{n: n, label: node.Offline, elapsed: elapsed}
	}

	if isJSONBoolean(parsed.Result) {
		n.MarkHealthy()
		return classification{n: n, label: node.Healthy, elapsed: elapsed}
	}

	n.MarkSyncing()
	return classification{n: n, label: node.Syncing, elapsed: elapsed}
}

func isJSONBoolean(raw json.RawMessage) bool {
	var b bool
	return json.Unmarshal(raw, &b) == nil
}
