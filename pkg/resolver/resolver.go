package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"

	"tagpin/pkg/hashing"
	"tagpin/pkg/metrics"
	"tagpin/pkg/oci"
	"tagpin/pkg/store"
)

var (
	// ErrWorkflowFailed wraps every reply sent after the resolver entered
	// its terminal failed state.
	ErrWorkflowFailed = errors.New("workflow resolver failed")
	// ErrStopped is returned to lookups racing resolver shutdown.
	ErrStopped = errors.New("workflow resolver stopped")
	// ErrCorruptStore is the terminal reason when persisted state does not
	// parse back.
	ErrCorruptStore = errors.New("corrupt store")
)

// StartMode selects how a resolver initializes its state.
type StartMode string

const (
	// StartModeFresh starts with no persisted mappings.
	StartModeFresh StartMode = "fresh"
	// StartModeRestart replays persisted mappings before serving lookups.
	StartModeRestart StartMode = "restart"
)

func ParseStartMode(s string) (StartMode, error) {
	switch StartMode(s) {
	case StartModeFresh, StartModeRestart:
		return StartMode(s), nil
	default:
		return "", fmt.Errorf("unknown start mode %q", s)
	}
}

type fsmState int

const (
	stateLoading fsmState = iota
	stateRunning
	stateFailed
)

type ResolverConfig struct {
	Log         logr.Logger
	MailboxSize int
}

func (cfg *ResolverConfig) Apply(opts ...ResolverOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

type ResolverOption func(cfg *ResolverConfig) error

func WithLogger(log logr.Logger) ResolverOption {
	return func(cfg *ResolverConfig) error {
		cfg.Log = log
		return nil
	}
}

func WithMailboxSize(size int) ResolverOption {
	return func(cfg *ResolverConfig) error {
		if size < 1 {
			return fmt.Errorf("mailbox size must be >= 1, got %d", size)
		}
		cfg.MailboxSize = size
		return nil
	}
}

// pendingLookup tracks one outstanding hashing service lookup and the
// waiters that coalesced onto it, in arrival order.
type pendingLookup struct {
	started time.Time
	image   oci.Image
	waiters []waiter
}

// Resolver guarantees that within one workflow every reference to an
// image tag resolves to exactly one digest. All state is owned by the
// Run goroutine; the exported methods only exchange messages with it.
type Resolver struct {
	driver     *hashing.Driver
	store      store.Store
	log        logr.Logger
	mailbox    chan message
	done       chan struct{}
	workflowID string
	mode       StartMode

	// Owned by Run. A reference is in at most one of queued, pending and
	// resolved at any instant.
	state    fsmState
	queued   map[string]*pendingLookup
	pending  map[string]*pendingLookup
	resolved map[string]digest.Digest
	failure  error
}

func New(workflowID string, mode StartMode, driver *hashing.Driver, st store.Store, opts ...ResolverOption) (*Resolver, error) {
	cfg := ResolverConfig{
		Log:         logr.Discard(),
		MailboxSize: 64,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	r := &Resolver{
		driver:     driver,
		store:      st,
		log:        cfg.Log.WithValues("workflow", workflowID),
		mailbox:    make(chan message, cfg.MailboxSize),
		done:       make(chan struct{}),
		workflowID: workflowID,
		mode:       mode,
		queued:     map[string]*pendingLookup{},
		pending:    map[string]*pendingLookup{},
		resolved:   map[string]digest.Digest{},
	}
	return r, nil
}

func (r *Resolver) WorkflowID() string {
	return r.workflowID
}

// Run consumes the mailbox until ctx is done. It must be called exactly
// once; lookups issued after it returns fail with ErrStopped.
func (r *Resolver) Run(ctx context.Context) error {
	defer close(r.done)

	switch r.mode {
	case StartModeRestart:
		r.state = stateLoading
		r.log.Info("loading persisted mappings")
		go r.loadStore(ctx)
	default:
		r.state = stateRunning
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-r.mailbox:
			r.handle(ctx, msg)
		}
	}
}

// Lookup resolves an image reference to a digest, blocking until the
// workflow-wide answer for that reference is known. Concurrent lookups
// for the same reference coalesce into a single upstream request.
func (r *Resolver) Lookup(ctx context.Context, ref string) (digest.Digest, error) {
	img, err := oci.Parse(ref)
	if err != nil {
		return "", err
	}

	reply := make(chan lookupReply, 1)
	select {
	case r.mailbox <- lookupRequest{image: img, waiter: reply}:
	case <-r.done:
		return "", ErrStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case out := <-reply:
		return out.digest, out.err
	case <-r.done:
		return "", ErrStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// post delivers a completion message to the loop, dropping it when the
// resolver has already stopped. Late replies after shutdown must be
// safely ignorable.
func (r *Resolver) post(msg message) {
	select {
	case r.mailbox <- msg:
	case <-r.done:
	}
}

func (r *Resolver) handle(ctx context.Context, msg message) {
	switch r.state {
	case stateLoading:
		r.handleLoading(ctx, msg)
	case stateRunning:
		r.handleRunning(ctx, msg)
	case stateFailed:
		r.handleFailed(msg)
	}
}

func (r *Resolver) handleLoading(ctx context.Context, msg message) {
	switch m := msg.(type) {
	case lookupRequest:
		// No lookup is issued while the replay is in progress; the
		// request parks until the persisted state is known.
		key := m.image.String()
		entry, ok := r.queued[key]
		if !ok {
			entry = &pendingLookup{image: m.image, started: time.Now()}
			r.queued[key] = entry
		}
		entry.waiters = append(entry.waiters, m.waiter)
		metrics.ResolveRequestsTotal.WithLabelValues("queued").Inc()
	case storeLoaded:
		r.replayStore(ctx, m.entries)
	case storeLoadFailed:
		r.failTerminal("load_failed", m.err)
	case lookupTimeout:
		r.failTerminal("timeout", hashing.ErrLookupTimeout)
	default:
		r.log.V(4).Info("ignoring message while loading", "message", fmt.Sprintf("%T", msg))
	}
}

func (r *Resolver) handleRunning(ctx context.Context, msg message) {
	switch m := msg.(type) {
	case lookupRequest:
		key := m.image.String()
		if dgst, ok := r.resolved[key]; ok {
			m.waiter <- lookupReply{digest: dgst}
			metrics.ResolveRequestsTotal.WithLabelValues("resolved").Inc()
			return
		}
		if entry, ok := r.pending[key]; ok {
			// Coalesce; the outstanding lookup answers this waiter too.
			entry.waiters = append(entry.waiters, m.waiter)
			metrics.ResolveRequestsTotal.WithLabelValues("pending").Inc()
			return
		}
		r.pending[key] = &pendingLookup{
			image:   m.image,
			waiters: []waiter{m.waiter},
			started: time.Now(),
		}
		metrics.ResolveRequestsTotal.WithLabelValues("lookup").Inc()
		r.dispatchLookup(ctx, m.image)
	case hashOK:
		// The mapping is not observable until it is durable. Waiters stay
		// parked until the store write completes.
		r.log.V(4).Info("digest resolved, persisting", "image", m.image.String(), "digest", m.digest.String())
		go r.putStore(ctx, m.image, m.digest)
	case hashErr:
		r.completeLookup(m.image, lookupReply{err: m.err}, "lookup_error")
	case storePutOK:
		key := m.image.String()
		r.resolved[key] = m.digest
		r.completeLookup(m.image, lookupReply{digest: m.digest}, "success")
	case storePutFailed:
		metrics.StorePutFailuresTotal.Inc()
		err := fmt.Errorf("could not persist mapping for image %s: %w", m.image.String(), m.err)
		r.completeLookup(m.image, lookupReply{err: err}, "store_error")
	case lookupTimeout:
		r.failTerminal("timeout", hashing.ErrLookupTimeout)
	case storeLoaded, storeLoadFailed:
		r.log.V(4).Info("ignoring replay message while running")
	}
}

func (r *Resolver) handleFailed(msg message) {
	switch m := msg.(type) {
	case lookupRequest:
		m.waiter <- lookupReply{err: r.failure}
		metrics.ResolveRequestsTotal.WithLabelValues("failed").Inc()
	default:
		r.log.V(4).Info("ignoring message in failed state", "message", fmt.Sprintf("%T", msg))
	}
}

// replayStore validates the persisted mappings and interleaves them with
// the requests queued during the load window. Hits answer immediately;
// misses issue one lookup each.
func (r *Resolver) replayStore(ctx context.Context, entries map[string]string) {
	persisted := map[string]digest.Digest{}
	for ref, value := range entries {
		img, err := oci.Parse(ref)
		if err != nil {
			r.failTerminal("corrupt_store", errors.Join(ErrCorruptStore, err))
			return
		}
		dgst, err := oci.ParseDigest(value)
		if err != nil {
			r.failTerminal("corrupt_store", errors.Join(ErrCorruptStore, err))
			return
		}
		persisted[img.String()] = dgst
	}
	metrics.RestoredMappingsTotal.Add(float64(len(persisted)))

	queued := r.queued
	r.queued = map[string]*pendingLookup{}
	r.resolved = persisted
	r.state = stateRunning
	r.log.Info("replayed persisted mappings", "mappings", len(persisted), "queued", len(queued))

	for key, entry := range queued {
		if dgst, ok := persisted[key]; ok {
			for _, w := range entry.waiters {
				w <- lookupReply{digest: dgst}
			}
			metrics.ResolveDurHistogram.WithLabelValues("success").Observe(time.Since(entry.started).Seconds())
			continue
		}
		r.pending[key] = entry
		r.dispatchLookup(ctx, entry.image)
	}
}

// dispatchLookup issues the single outstanding hashing service request
// for an image. The driver reply re-enters the loop as a message.
func (r *Resolver) dispatchLookup(ctx context.Context, img oci.Image) {
	metrics.InflightLookups.Inc()
	go func() {
		dgst, err := r.driver.Resolve(ctx, img)
		metrics.InflightLookups.Dec()
		switch {
		case err == nil:
			r.post(hashOK{image: img, digest: dgst})
		case errors.Is(err, hashing.ErrLookupTimeout):
			r.post(lookupTimeout{})
		default:
			r.post(hashErr{image: img, err: err})
		}
	}()
}

func (r *Resolver) loadStore(ctx context.Context) {
	entries, err := r.store.LoadAll(ctx, r.workflowID)
	if err != nil {
		r.post(storeLoadFailed{err: err})
		return
	}
	r.post(storeLoaded{entries: entries})
}

func (r *Resolver) putStore(ctx context.Context, img oci.Image, dgst digest.Digest) {
	err := r.store.Put(ctx, r.workflowID, img.String(), dgst.String())
	if err != nil {
		r.post(storePutFailed{image: img, err: err})
		return
	}
	r.post(storePutOK{image: img, digest: dgst})
}

// completeLookup replies to every waiter of a pending lookup in arrival
// order and clears the pending entry, so a later request for the same
// reference starts a fresh lifecycle.
func (r *Resolver) completeLookup(img oci.Image, reply lookupReply, outcome string) {
	key := img.String()
	entry, ok := r.pending[key]
	if !ok {
		r.log.V(4).Info("completion for unknown lookup", "image", key)
		return
	}
	delete(r.pending, key)
	for _, w := range entry.waiters {
		w <- reply
	}
	metrics.ResolveDurHistogram.WithLabelValues(outcome).Observe(time.Since(entry.started).Seconds())
	if reply.err != nil {
		r.log.Info("lookup failed", "image", key, "waiters", len(entry.waiters), "error", reply.err)
		return
	}
	r.log.V(4).Info("lookup resolved", "image", key, "digest", reply.digest.String(), "waiters", len(entry.waiters))
}

// failTerminal moves the resolver to its terminal state: every queued and
// pending waiter fails now, every future request fails immediately.
func (r *Resolver) failTerminal(reason string, cause error) {
	r.failure = errors.Join(ErrWorkflowFailed, cause)
	r.state = stateFailed
	metrics.WorkflowFailuresTotal.WithLabelValues(reason).Inc()
	r.log.Error(cause, "workflow resolver entered failed state", "reason", reason)

	for _, entry := range r.queued {
		for _, w := range entry.waiters {
			w <- lookupReply{err: r.failure}
		}
	}
	for _, entry := range r.pending {
		for _, w := range entry.waiters {
			w <- lookupReply{err: r.failure}
		}
	}
	r.queued = map[string]*pendingLookup{}
	r.pending = map[string]*pendingLookup{}
}
