package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/3cpo-dev/nodewarden/internal/telemetry"
	"github.com/3cpo-dev/nodewarden/internal/transport"
	"github.com/3cpo-dev/nodewarden/pkg/api"
)

const DefaultSweepInterval = 30 * time.Second

// Prober checks one agent's reachability.
type Prober interface {
	Probe(ctx context.Context, node api.Node) transport.ProbeResult
}

// NodeStore persists accepted registrations.
type NodeStore interface {
	SaveNode(ctx context.Context, node api.Node) error
	DeleteNode(ctx context.Context, uuid string) error
}

type Options struct {
	SweepInterval time.Duration
	Store         NodeStore
	Sources       []Source
	Collector     *telemetry.Collector
}

// Registry is the authoritative set of known nodes and their agent status.
//
// Liveness is fail-fast: one failed probe or transport failure marks a node
// offline and one success marks it online again. Flapping agents toggle on every
// sweep; ConsecutiveFailures is reported but does not delay transitions.
type Registry struct {
	mu       sync.RWMutex
	nodes    map[string]api.Node
	statuses map[string]*api.AgentStatus
	pending  map[string]int
	// removed holds unregister generations until the next discovery finishes,
	// so a discovery's late results cannot bring a node back.
	removed map[string]uint64
	gen     uint64

	prober    Prober
	store     NodeStore
	sources   []Source
	interval  time.Duration
	collector *telemetry.Collector
	discovery singleflight.Group
}

func New(prober Prober, opts Options) *Registry {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	return &Registry{
		nodes:     make(map[string]api.Node),
		statuses:  make(map[string]*api.AgentStatus),
		pending:   make(map[string]int),
		removed:   make(map[string]uint64),
		prober:    prober,
		store:     opts.Store,
		sources:   opts.Sources,
		interval:  opts.SweepInterval,
		collector: opts.Collector,
	}
}

// RegisterAgent probes baseURL once and accepts the node only if the probe
// succeeds. A failed attempt leaves the registry exactly as it was.
func (r *Registry) RegisterAgent(ctx context.Context, nodeUUID, baseURL, apiKey string) bool {
	if err := validateNode(nodeUUID, baseURL); err != nil {
		log.Warn().Err(err).Str("node", nodeUUID).Msg("rejecting agent registration")
		return false
	}

	r.mu.Lock()
	r.pending[nodeUUID]++
	existing, known := r.nodes[nodeUUID]
	r.mu.Unlock()
	defer r.clearPending(nodeUUID)

	node := api.Node{ID: nodeUUID, UUID: nodeUUID, BaseURL: baseURL, APIKey: apiKey, RegisteredAt: time.Now().UTC()}
	if known {
		node.ID = existing.ID
		node.RegisteredAt = existing.RegisteredAt
	}

	pr := r.prober.Probe(ctx, node)
	if !pr.OK {
		log.Warn().Err(pr.Err).Str("node", nodeUUID).Str("url", baseURL).Msg("agent registration probe failed")
		return false
	}

	r.mu.Lock()
	delete(r.removed, nodeUUID)
	r.nodes[nodeUUID] = node
	r.recordLocked(nodeUUID, true, nil, pr.Latency)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveNode(ctx, node); err != nil {
			log.Error().Err(err).Str("node", nodeUUID).Msg("persist node registration")
		}
	}

	log.Info().Str("node", nodeUUID).Str("url", baseURL).Dur("latency", pr.Latency).Msg("agent registered")
	r.reportGauges()
	return true
}

func (r *Registry) clearPending(nodeUUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[nodeUUID] <= 1 {
		delete(r.pending, nodeUUID)
		return
	}
	r.pending[nodeUUID]--
}

// UnregisterAgent removes a node and its status. Calling it for an unknown node
// is a no-op. It reports whether the node was registered.
func (r *Registry) UnregisterAgent(ctx context.Context, nodeUUID string) bool {
	r.mu.Lock()
	_, existed := r.nodes[nodeUUID]
	delete(r.nodes, nodeUUID)
	delete(r.statuses, nodeUUID)
	r.gen++
	r.removed[nodeUUID] = r.gen
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.DeleteNode(ctx, nodeUUID); err != nil {
			log.Error().Err(err).Str("node", nodeUUID).Msg("delete node record")
		}
	}
	if existed {
		log.Info().Str("node", nodeUUID).Msg("agent unregistered")
		r.reportGauges()
	}
	return existed
}

// Node returns the registered node record.
func (r *Registry) Node(nodeUUID string) (api.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeUUID]
	return n, ok
}

// Nodes returns all registered nodes sorted by uuid.
func (r *Registry) Nodes() []api.Node {
	r.mu.RLock()
	out := make([]api.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

// State reports where a node is in its lifecycle; "" means unregistered.
func (r *Registry) State(nodeUUID string) api.AgentState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.statuses[nodeUUID]; ok {
		return st.State
	}
	if r.pending[nodeUUID] > 0 {
		return api.AgentRegistering
	}
	return ""
}

// IsAgentAvailable is a non-network lookup of the last known status.
func (r *Registry) IsAgentAvailable(nodeUUID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.statuses[nodeUUID]
	return ok && st.Online
}

// Status returns a copy of one node's status.
func (r *Registry) Status(nodeUUID string) (api.AgentStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.statuses[nodeUUID]
	if !ok {
		return api.AgentStatus{}, false
	}
	return copyStatus(st), true
}

// GetAgentStatuses returns a point-in-time snapshot sorted by node uuid.
func (r *Registry) GetAgentStatuses() []api.AgentStatus {
	r.mu.RLock()
	out := make([]api.AgentStatus, 0, len(r.statuses))
	for _, st := range r.statuses {
		out = append(out, copyStatus(st))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeUUID < out[j].NodeUUID })
	return out
}

// RecordProbeResult is the only path that mutates agent status. Results for
// nodes that are no longer registered are dropped.
func (r *Registry) RecordProbeResult(nodeUUID string, ok bool, cause error, latency time.Duration) {
	r.mu.Lock()
	changed := r.recordLocked(nodeUUID, ok, cause, latency)
	r.mu.Unlock()
	if changed {
		r.reportGauges()
	}
}

func (r *Registry) recordLocked(nodeUUID string, ok bool, cause error, latency time.Duration) bool {
	if _, registered := r.nodes[nodeUUID]; !registered {
		return false
	}
	st, exists := r.statuses[nodeUUID]
	if !exists {
		st = &api.AgentStatus{NodeUUID: nodeUUID, State: api.AgentRegistering}
		r.statuses[nodeUUID] = st
	}
	wasOnline := exists && st.Online

	st.LastCheckedAt = time.Now().UTC()
	if ok {
		ms := latency.Milliseconds()
		st.Online = true
		st.State = api.AgentOnline
		st.LastError = nil
		st.LatencyMs = &ms
		st.ConsecutiveFailures = 0
		if exists && !wasOnline {
			log.Info().Str("node", nodeUUID).Msg("agent back online")
		}
		return !wasOnline
	}

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	st.Online = false
	st.State = api.AgentOffline
	st.LastError = &msg
	st.LatencyMs = nil
	st.ConsecutiveFailures++
	if wasOnline || !exists {
		log.Warn().Str("node", nodeUUID).Str("error", msg).Msg("agent offline")
	}
	return wasOnline || !exists
}

// HealthCheckAll probes every registered node concurrently, each with its own
// timeout, and returns the resulting statuses keyed by node uuid. Probes are
// not cancelled with ctx; a caller going away is not an agent failure.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]api.AgentStatus {
	nodes := r.Nodes()
	start := time.Now()
	ctx = context.WithoutCancel(ctx)

	var g errgroup.Group
	for _, n := range nodes {
		n := n
		g.Go(func() error {
			pr := r.prober.Probe(ctx, n)
			r.RecordProbeResult(n.UUID, pr.OK, pr.Err, pr.Latency)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]api.AgentStatus, len(nodes))
	for _, n := range nodes {
		if st, ok := r.Status(n.UUID); ok {
			out[n.UUID] = st
		}
	}
	r.collector.Timer("nodewarden_health_sweep_duration", time.Since(start), nil)
	return out
}

// Run sweeps all registered nodes every interval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", r.interval).Msg("agent health sweep started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("agent health sweep stopped")
			return
		case <-ticker.C:
			statuses := r.HealthCheckAll(ctx)
			online := 0
			for _, st := range statuses {
				if st.Online {
					online++
				}
			}
			log.Debug().Int("nodes", len(statuses)).Int("online", online).Msg("agent health sweep")
		}
	}
}

// DiscoveryReport summarizes one ForceDiscovery run.
type DiscoveryReport struct {
	Probed  int      `json:"probed"`
	Online  []string `json:"online"`
	Offline []string `json:"offline"`
	Errors  []string `json:"errors,omitempty"`
}

// ForceDiscovery loads node records from every source, merges in the currently
// registered nodes, and probes all of them concurrently. Configured nodes whose
// probe fails are tracked offline. Concurrent callers share one run, which is
// detached from their contexts: a caller that gives up returns ctx.Err() while
// the run completes and records its results.
func (r *Registry) ForceDiscovery(ctx context.Context) (DiscoveryReport, error) {
	ch := r.discovery.DoChan("discovery", func() (interface{}, error) {
		return r.discover(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return DiscoveryReport{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			log.Debug().Msg("joined in-flight discovery")
		}
		if res.Val == nil {
			return DiscoveryReport{}, res.Err
		}
		return res.Val.(DiscoveryReport), res.Err
	}
}

func (r *Registry) discover(ctx context.Context) (DiscoveryReport, error) {
	r.mu.RLock()
	startGen := r.gen
	r.mu.RUnlock()
	defer func() {
		r.mu.Lock()
		clear(r.removed)
		r.mu.Unlock()
	}()

	var report DiscoveryReport
	candidates := map[string]api.Node{}
	var order []string
	var sourceErrs []error

	add := func(n api.Node) {
		if _, seen := candidates[n.UUID]; seen {
			return
		}
		candidates[n.UUID] = n
		order = append(order, n.UUID)
	}

	for _, src := range r.sources {
		nodes, err := src.ListNodes(ctx)
		if err != nil {
			sourceErrs = append(sourceErrs, fmt.Errorf("source %s: %w", src.Name(), err))
			continue
		}
		for _, n := range nodes {
			if err := validateNode(n.UUID, n.BaseURL); err != nil {
				sourceErrs = append(sourceErrs, fmt.Errorf("source %s: %w", src.Name(), err))
				continue
			}
			add(n)
		}
	}
	for _, n := range r.Nodes() {
		add(n)
	}

	for _, e := range sourceErrs {
		report.Errors = append(report.Errors, e.Error())
	}
	if len(order) == 0 && len(sourceErrs) > 0 {
		return report, errors.Join(sourceErrs...)
	}

	results := make([]transport.ProbeResult, len(order))
	var g errgroup.Group
	for i, id := range order {
		i, n := i, candidates[id]
		g.Go(func() error {
			results[i] = r.prober.Probe(ctx, n)
			return nil
		})
	}
	_ = g.Wait()

	for i, id := range order {
		n, pr := candidates[id], results[i]
		r.mu.Lock()
		if gen, ok := r.removed[id]; ok && gen > startGen {
			r.mu.Unlock()
			log.Debug().Str("node", id).Msg("skipping node unregistered during discovery")
			continue
		}
		if existing, ok := r.nodes[id]; ok {
			n.RegisteredAt = existing.RegisteredAt
			if n.ID == "" {
				n.ID = existing.ID
			}
		}
		if n.ID == "" {
			n.ID = n.UUID
		}
		if n.RegisteredAt.IsZero() {
			n.RegisteredAt = time.Now().UTC()
		}
		r.nodes[id] = n
		r.recordLocked(id, pr.OK, pr.Err, pr.Latency)
		r.mu.Unlock()

		if pr.OK {
			report.Online = append(report.Online, id)
		} else {
			report.Offline = append(report.Offline, id)
		}
	}
	report.Probed = len(report.Online) + len(report.Offline)
	sort.Strings(report.Online)
	sort.Strings(report.Offline)

	log.Info().
		Int("probed", report.Probed).
		Int("online", len(report.Online)).
		Int("offline", len(report.Offline)).
		Int("source_errors", len(report.Errors)).
		Msg("discovery finished")
	r.reportGauges()
	return report, nil
}

func (r *Registry) reportGauges() {
	if r.collector == nil {
		return
	}
	r.mu.RLock()
	total, online := len(r.statuses), 0
	for _, st := range r.statuses {
		if st.Online {
			online++
		}
	}
	r.mu.RUnlock()
	r.collector.Gauge("nodewarden_agents_registered", float64(total), nil)
	r.collector.Gauge("nodewarden_agents_online", float64(online), nil)
}

func validateNode(nodeUUID, baseURL string) error {
	if nodeUUID == "" {
		return errors.New("node uuid is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("node %s: parse base url: %w", nodeUUID, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("node %s: base url must be http(s)://host, got %q", nodeUUID, baseURL)
	}
	return nil
}

func copyStatus(st *api.AgentStatus) api.AgentStatus {
	out := *st
	if st.LastError != nil {
		e := *st.LastError
		out.LastError = &e
	}
	if st.LatencyMs != nil {
		l := *st.LatencyMs
		out.LatencyMs = &l
	}
	return out
}
