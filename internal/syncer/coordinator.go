package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/withobsrvr/icrc-indexer/internal/admin"
	"github.com/withobsrvr/icrc-indexer/internal/ledger"
	"github.com/withobsrvr/icrc-indexer/internal/model"
	"github.com/withobsrvr/icrc-indexer/internal/store"
)

// State is one of the coordinator's lifecycle states (spec §4.7).
type State string

const (
	StateInit         State = "init"
	StateProbe        State = "probe"
	StateArchivePhase State = "archive_phase"
	StateLivePhase    State = "live_phase"
	StatePaused       State = "paused"
)

// heartbeatInterval re-acquires the advisory lock well before its lease
// expires.
const heartbeatInterval = 10 * time.Second

// maxConsecutiveDecodeFailures is spec §7's Decode policy N: a malformed
// record at a given index is retried this many times before the
// coordinator gives up and pauses the token.
const maxConsecutiveDecodeFailures = 5

// Coordinator is the per-token supervisor: it owns a single goroutine
// running the Init -> Probe -> ArchivePhase -> LivePhase <-> Paused
// state machine and enforces the single-writer-per-token invariant via
// an advisory lock on sync_status[token] (spec §4.7).
type Coordinator struct {
	token    model.TokenDescriptor
	client   ledger.Client
	store    store.Store
	logger   *zap.Logger
	owner    string
	lease    time.Duration

	mu          sync.RWMutex
	state       State
	lastErr     error
	cursor      model.Cursor
	pausedSince time.Time

	decodeFailIndex *uint64
	decodeFailCount int

	resetCh chan struct{}
}

// New builds a Coordinator for one configured token. owner identifies
// this process for the advisory lock (e.g. hostname:pid); it must be
// unique per running indexer process.
func New(token model.TokenDescriptor, client ledger.Client, s store.Store, logger *zap.Logger, owner string, lease time.Duration) *Coordinator {
	return &Coordinator{
		token:   token,
		client:  client,
		store:   s,
		logger:  logging(logger, token.Symbol),
		owner:   owner,
		lease:   lease,
		state:   StateInit,
		resetCh: make(chan struct{}, 1),
	}
}

func logging(base *zap.Logger, token string) *zap.Logger {
	return base.With(zap.String("component", "coordinator"), zap.String("token", token))
}

// Status is the coordinator's externally observable state, surfaced by
// the query API's /tokens/{symbol}/status endpoint.
type Status struct {
	Token       string
	State       State
	LastIndexed *uint64
	Error       string
	PausedSince *time.Time
}

// Status returns a snapshot of the coordinator's current state.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Status{Token: c.token.Symbol, State: c.state, LastIndexed: c.cursor.LastIndexed}
	if c.lastErr != nil {
		s.Error = c.lastErr.Error()
	}
	if c.state == StatePaused {
		ps := c.pausedSince
		s.PausedSince = &ps
	}
	return s
}

// Reset requests that the coordinator pause, invoke C8 admin reset, and
// restart from Init. Manager.ResetAll is its only caller; there is no
// network-exposed path (spec §4.8).
func (c *Coordinator) Reset() {
	select {
	case c.resetCh <- struct{}{}:
	default:
	}
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	if s == StatePaused {
		c.pausedSince = time.Now()
	}
	c.mu.Unlock()
}

func (c *Coordinator) setCursor(cur model.Cursor) {
	c.mu.Lock()
	c.cursor = cur
	c.mu.Unlock()
}

func (c *Coordinator) setError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// shouldPause applies spec §7's Decode policy: a decode failure at a
// given index is retried up to maxConsecutiveDecodeFailures times
// (tracked across successive runOnce cycles, since each retry re-fetches
// and re-decodes the same unchanged cursor position) before the token
// actually moves to Paused. Every other severity pauses immediately, as
// before.
func (c *Coordinator) shouldPause(err error) bool {
	var pe *ProcessingError
	if !errors.As(err, &pe) || pe.Severity != SeverityDecode {
		c.resetDecodeFailures()
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.decodeFailIndex == nil || *c.decodeFailIndex != pe.Index {
		idx := pe.Index
		c.decodeFailIndex = &idx
		c.decodeFailCount = 1
	} else {
		c.decodeFailCount++
	}
	return c.decodeFailCount >= maxConsecutiveDecodeFailures
}

func (c *Coordinator) resetDecodeFailures() {
	c.mu.Lock()
	c.decodeFailIndex = nil
	c.decodeFailCount = 0
	c.mu.Unlock()
}

// Run drives the state machine until ctx is canceled. Other tokens'
// coordinators are unaffected by this one entering Paused (spec §4.7).
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.releaseLock(context.Background())
			return ctx.Err()
		default:
		}

		if err := c.runOnce(ctx); err != nil {
			c.setError(err)
			if c.shouldPause(err) {
				c.logger.Error("sync cycle failed, pausing", zap.Error(err))
				c.setState(StatePaused)
			} else {
				c.logger.Warn("sync cycle failed, retrying before pausing (decode error policy)", zap.Error(err))
			}
		} else {
			c.resetDecodeFailures()
		}

		select {
		case <-ctx.Done():
			c.releaseLock(context.Background())
			return ctx.Err()
		case <-c.resetCh:
			if err := c.handleReset(ctx); err != nil {
				c.logger.Error("reset failed", zap.Error(err))
				c.setError(err)
				c.setState(StatePaused)
			}
		case <-time.After(heartbeatInterval):
			// Paused or not, the loop runs runOnce again after the
			// heartbeat; runOnce moves the token back to Init.
			if c.Status().State == StatePaused {
				continue
			}
		}
	}
}

func (c *Coordinator) runOnce(ctx context.Context) error {
	c.setState(StateInit)
	c.ensureDecimals(ctx)

	if err := c.acquireLock(ctx); err != nil {
		return fmt.Errorf("coordinator: acquire lock: %w", err)
	}

	cursor, err := c.store.GetCursor(ctx, c.token.Symbol)
	if err != nil {
		return fmt.Errorf("coordinator: load cursor: %w", err)
	}
	c.setCursor(cursor)

	archiveSyncer := NewArchiveSyncer(c.token, c.client, c.store, c.logger)

	// Any archived_ranges the live syncer's get_transactions calls
	// surface are rerouted back through the archive syncer's own Run,
	// which walks every archive descriptor and is safe to call again
	// after the archive phase has otherwise completed (spec §4.6 step 4).
	onArchived := func(archCtx context.Context, _ []ledger.ArchiveDescriptor) {
		cur, err := c.store.GetCursor(archCtx, c.token.Symbol)
		if err != nil {
			c.logger.Warn("failed to reload cursor before archive reroute", zap.Error(err))
			return
		}
		leaseAt := uint64(time.Now().Add(c.lease).UnixNano())
		next, err := archiveSyncer.Run(archCtx, cur, c.owner, leaseAt)
		if err != nil {
			c.logger.Warn("archive reroute from live tick failed", zap.Error(err))
			return
		}
		c.setCursor(next)
	}
	liveSyncer := NewLiveSyncer(c.token, c.client, c.store, c.logger, onArchived)

	if cursor.LastIndexed == nil {
		c.setState(StateProbe)
		if descs, err := c.client.ListArchives(ctx); err == nil && len(descs) > 0 {
			if err := archiveSyncer.Probe(ctx, descs[0].CanisterID, descs[0].From); err != nil {
				return err
			}
		}
	}

	if !cursor.ArchivePhaseComplete {
		c.setState(StateArchivePhase)
		lease := uint64(time.Now().Add(c.lease).UnixNano())
		next, err := archiveSyncer.Run(ctx, cursor, c.owner, lease)
		if err != nil {
			return err
		}
		cursor = next
		c.setCursor(cursor)
	}

	c.setState(StateLivePhase)
	return liveSyncer.Run(ctx, c.token.CanisterID, cursor, c.owner, c.lease, c.setCursor)
}

func (c *Coordinator) handleReset(ctx context.Context) error {
	c.setState(StatePaused)
	if err := admin.ResetToken(ctx, c.store, c.token.Symbol); err != nil {
		return err
	}
	c.setState(StateInit)
	c.setCursor(model.Cursor{Token: c.token.Symbol})
	c.setError(nil)
	c.resetDecodeFailures()
	return nil
}

// ensureDecimals caches decimals (and name, if blank) from C1's metadata
// call when the configured token descriptor didn't already carry them,
// per spec §4.7's Init step. A failed lookup is logged and left for the
// next Init pass; it never blocks startup.
func (c *Coordinator) ensureDecimals(ctx context.Context) {
	if c.token.Decimals != 0 {
		return
	}
	md, err := c.client.GetMetadata(ctx, c.token.CanisterID)
	if err != nil {
		c.logger.Warn("failed to cache decimals from ledger metadata", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.token.Decimals = uint32(md.Decimals)
	if c.token.Name == "" {
		c.token.Name = md.Name
	}
	c.mu.Unlock()
	c.logger.Info("cached token decimals from ledger metadata", zap.Uint32("decimals", uint32(md.Decimals)))
}

func (c *Coordinator) acquireLock(ctx context.Context) error {
	leaseAt := uint64(time.Now().Add(c.lease).UnixNano())
	ok, err := c.store.AcquireLock(ctx, c.token.Symbol, c.owner, leaseAt)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("another writer already owns sync_status[%s]", c.token.Symbol)
	}
	return nil
}

func (c *Coordinator) releaseLock(ctx context.Context) {
	if err := c.store.ReleaseLock(ctx, c.token.Symbol, c.owner); err != nil {
		c.logger.Warn("failed to release advisory lock", zap.Error(err))
	}
}

// Manager runs one Coordinator per configured token concurrently; each
// token's failures are isolated from the others (spec §4.7, scenario 6).
type Manager struct {
	coordinators map[string]*Coordinator
}

// NewManager builds a Manager over the given coordinators, keyed by
// token symbol.
func NewManager(coordinators []*Coordinator) *Manager {
	m := &Manager{coordinators: make(map[string]*Coordinator, len(coordinators))}
	for _, c := range coordinators {
		m.coordinators[c.token.Symbol] = c
	}
	return m
}

// Run starts every coordinator's Run loop and blocks until ctx is
// canceled, then waits for all of them to exit.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for symbol, c := range m.coordinators {
		wg.Add(1)
		go func(symbol string, c *Coordinator) {
			defer wg.Done()
			if err := c.Run(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("coordinator exited unexpectedly", zap.String("token", symbol), zap.Error(err))
			}
		}(symbol, c)
	}
	wg.Wait()
}

// Statuses returns a snapshot of every managed coordinator's status.
func (m *Manager) Statuses() []Status {
	out := make([]Status, 0, len(m.coordinators))
	for _, c := range m.coordinators {
		out = append(out, c.Status())
	}
	return out
}

// ResetAll requests a reset on every managed coordinator. The CLI's
// --reset flag does not go through it: it calls admin.ResetAll before
// any coordinator starts.
func (m *Manager) ResetAll() {
	for _, c := range m.coordinators {
		c.Reset()
	}
}

// Coordinator returns the coordinator for a given token symbol, if any.
func (m *Manager) Coordinator(symbol string) (*Coordinator, bool) {
	c, ok := m.coordinators[symbol]
	return c, ok
}
