package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	stdsync "sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/marcus/memo/internal/db"
	"github.com/marcus/memo/internal/models"
)

var errOffline = errors.New("offline")

// ProcessorConfig tunes the queue processor.
type ProcessorConfig struct {
	BaseDelay time.Duration // first backoff delay, doubled per attempt
	MaxDelay  time.Duration // backoff cap
	// MaxAttempts bounds send attempts per drain while online. 0 is unlimited.
	MaxAttempts    int
	AttemptTimeout time.Duration
	Concurrency    int           // entity lanes run in parallel
	TickInterval   time.Duration // periodic drain in Run
	// Online reports reachability. Nil means always online.
	Online func() bool
	Logger *slog.Logger
}

// DefaultProcessorConfig returns the stock settings.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		BaseDelay:      time.Second,
		MaxDelay:       60 * time.Second,
		MaxAttempts:    8,
		AttemptTimeout: 30 * time.Second,
		Concurrency:    8,
		TickInterval:   5 * time.Minute,
	}
}

func (c *ProcessorConfig) applyDefaults() {
	d := DefaultProcessorConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// DrainResult counts what one drain did.
type DrainResult struct {
	Sent      int // acknowledged by the server
	Conflicts int // parked as conflicted
	Failed    int // rejected terminally
	Deferred  int // left pending for a later drain
	Resolved  int // conflict resolutions delivered
}

// Processor turns pending ledger entries into confirmed server state. Each
// entity gets its own lane; lanes run in parallel, changes inside a lane are
// sent strictly in ledger order and never two at a time.
type Processor struct {
	store     Store
	ledger    *Ledger
	transport Transport
	cfg       ProcessorConfig
	log       *slog.Logger

	mu       stdsync.Mutex
	inFlight map[string]bool
	wake     chan struct{}
}

// NewProcessor wires a processor to its store, ledger and transport.
func NewProcessor(store Store, ledger *Ledger, transport Transport, cfg ProcessorConfig) *Processor {
	cfg.applyDefaults()
	return &Processor{
		store:     store,
		ledger:    ledger,
		transport: transport,
		cfg:       cfg,
		log:       cfg.Logger,
		inFlight:  make(map[string]bool),
		wake:      make(chan struct{}, 1),
	}
}

// Notify asks Run to drain soon. Never blocks.
func (p *Processor) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// ConnectivityRestored is called by the reachability signal when the network
// comes back.
func (p *Processor) ConnectivityRestored() {
	p.log.Debug("connectivity restored")
	p.Notify()
}

func (p *Processor) online() bool {
	return p.cfg.Online == nil || p.cfg.Online()
}

// Run drains on every notification, on connectivity changes and periodically
// until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()
	for {
		if res, err := p.Drain(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warn("drain failed", "err", err)
		} else if res != (DrainResult{}) {
			p.log.Debug("drain", "sent", res.Sent, "conflicts", res.Conflicts, "failed", res.Failed, "deferred", res.Deferred)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

// Drain sends every pending change once through its lane. Transient failures
// are retried with backoff inside the lane; a lane stops at the first change
// that conflicts, fails or stays unreachable.
func (p *Processor) Drain(ctx context.Context) (DrainResult, error) {
	var (
		res   DrainResult
		resMu stdsync.Mutex
	)
	// Conflicted and failed entries are listed so they keep blocking their lane.
	changes, err := p.store.ListChanges(ctx, db.ChangeFilter{})
	if err != nil {
		return res, err
	}
	if !p.online() {
		for _, c := range changes {
			if c.Status == models.ChangePending {
				res.Deferred++
			}
		}
		return res, nil
	}

	if res.Resolved, err = p.flushResolutions(ctx); err != nil {
		return res, err
	}

	lanes, order := groupLanes(changes)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, key := range order {
		lane := lanes[key]
		if !p.claim(key) {
			resMu.Lock()
			res.Deferred += len(lane)
			resMu.Unlock()
			continue
		}
		g.Go(func() error {
			defer p.release(key)
			lr, err := p.runLane(gctx, lane)
			resMu.Lock()
			res.Sent += lr.Sent
			res.Conflicts += lr.Conflicts
			res.Failed += lr.Failed
			res.Deferred += lr.Deferred
			resMu.Unlock()
			return err
		})
	}
	err = g.Wait()
	return res, err
}

// groupLanes splits changes per entity, keeping ledger order inside a lane
// and the order in which entities first appear.
func groupLanes(changes []models.OfflineChange) (map[string][]models.OfflineChange, []string) {
	lanes := make(map[string][]models.OfflineChange)
	var order []string
	for _, c := range changes {
		key := c.EntityKey()
		if _, ok := lanes[key]; !ok {
			order = append(order, key)
		}
		lanes[key] = append(lanes[key], c)
	}
	return lanes, order
}

func (p *Processor) claim(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight[key] {
		return false
	}
	p.inFlight[key] = true
	return true
}

func (p *Processor) release(key string) {
	p.mu.Lock()
	delete(p.inFlight, key)
	p.mu.Unlock()
}

type sendOutcome int

const (
	outcomeSent sendOutcome = iota
	outcomeConflict
	outcomeFailed
	outcomeDeferred
)

// runLane sends one entity's changes in order. Only context errors are
// returned; everything else is recorded against the change.
func (p *Processor) runLane(ctx context.Context, lane []models.OfflineChange) (DrainResult, error) {
	var res DrainResult
	for i, queued := range lane {
		// Earlier sends in this lane may have rebased or removed it.
		c, err := p.store.GetChange(ctx, queued.ID)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			return res, err
		}
		if c.Status != models.ChangePending {
			res.Deferred += len(lane) - i
			return res, nil
		}

		outcome, err := p.send(ctx, *c)
		if err != nil {
			res.Deferred += len(lane) - i
			return res, err
		}
		switch outcome {
		case outcomeSent:
			res.Sent++
			// Edited while in flight: it goes out again before the rest of the lane.
			if _, err := p.store.GetChange(ctx, c.ID); err == nil {
				res.Deferred += len(lane) - i
				return res, nil
			}
			continue
		case outcomeConflict:
			res.Conflicts++
		case outcomeFailed:
			res.Failed++
		case outcomeDeferred:
			res.Deferred++
		}
		res.Deferred += len(lane) - i - 1
		return res, nil
	}
	return res, nil
}

func (p *Processor) backoff() retry.Backoff {
	b := retry.NewExponential(p.cfg.BaseDelay)
	b = retry.WithCappedDuration(p.cfg.MaxDelay, b)
	if p.cfg.MaxAttempts > 0 {
		b = retry.WithMaxRetries(uint64(p.cfg.MaxAttempts-1), b)
	}
	return b
}

// send delivers one change, retrying transient failures.
func (p *Processor) send(ctx context.Context, c models.OfflineChange) (sendOutcome, error) {
	log := p.log.With("change", c.ID, "entity", c.EntityKey())

	var resp *models.BatchResponse
	err := retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		if !p.online() {
			return errOffline
		}
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
		defer cancel()

		r, err := p.transport.BatchUpdate(attemptCtx, []models.OfflineChange{c})
		if err == nil {
			resp = r
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsTransient(err) {
			return err
		}
		n, rerr := p.ledger.IncrementRetry(ctx, c.ID, err)
		if rerr != nil {
			return rerr
		}
		log.Warn("send failed, retrying", "attempt", n, "err", err)
		if wait := min(retryDelay(err), p.cfg.MaxDelay); wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		return retry.RetryableError(err)
	})

	switch {
	case err == nil:
		return p.handleResponse(ctx, c, resp)
	case ctx.Err() != nil:
		return outcomeDeferred, ctx.Err()
	case errors.Is(err, errOffline):
		log.Debug("offline, change deferred")
		return outcomeDeferred, nil
	case IsTransient(err):
		log.Warn("retry budget exhausted", "err", err)
		return outcomeDeferred, p.recordError(ctx, c, models.ErrKindTransient, err.Error())
	case statusCode(err) == http.StatusUnauthorized || statusCode(err) == http.StatusForbidden:
		log.Warn("server refused credentials", "err", err)
		return outcomeDeferred, p.recordError(ctx, c, models.ErrKindTerminal, err.Error())
	default:
		return p.fail(ctx, c, err.Error())
	}
}

func (p *Processor) handleResponse(ctx context.Context, c models.OfflineChange, resp *models.BatchResponse) (sendOutcome, error) {
	for _, e := range resp.Errors {
		if e.ChangeID == c.ID {
			return p.fail(ctx, c, e.Error)
		}
	}
	for _, conflict := range resp.Conflicts {
		if conflict.ChangeID != c.ID && conflict.EntityID != c.EntityID {
			continue
		}
		conflict.ChangeID = c.ID
		conflict.EntityType = c.EntityType
		conflict.EntityID = c.EntityID
		if conflict.DetectedAt.IsZero() {
			conflict.DetectedAt = time.Now().UTC()
		}
		if err := p.store.SaveConflict(ctx, conflict); err != nil {
			return outcomeDeferred, err
		}
		if err := p.ledger.MarkConflicted(ctx, c.ID, conflict.ID); err != nil {
			return outcomeDeferred, err
		}
		p.log.Info("conflict", "entity", c.EntityKey(), "fields", conflict.ConflictFields)
		return outcomeConflict, nil
	}
	for _, a := range resp.Applied {
		if a.ChangeID == c.ID {
			return outcomeSent, p.confirm(ctx, c, a.Entity)
		}
	}
	if resp.Processed > 0 {
		_, err := p.ledger.AcknowledgeSent(ctx, c)
		return outcomeSent, err
	}
	return p.fail(ctx, c, "server did not process the change")
}

// confirm stores the authoritative entity, acknowledges the change and moves
// the entity's remaining changes onto the new version.
func (p *Processor) confirm(ctx context.Context, c models.OfflineChange, e models.SyncEntity) error {
	if e.ID == "" {
		e.ID = c.EntityID
	}
	if err := p.store.PutConfirmed(ctx, c.EntityType, e); err != nil && !errors.Is(err, db.ErrStaleVersion) {
		return fmt.Errorf("confirm %s: %w", c.EntityKey(), err)
	}
	kept, err := p.ledger.AcknowledgeSent(ctx, c)
	if err != nil {
		return err
	}
	if kept {
		p.log.Debug("change edited while in flight", "change", c.ID, "entity", c.EntityKey())
	}
	if _, err := p.ledger.Rebase(ctx, c.EntityType, c.EntityID, c.BaseSyncVersion, e.SyncVersion, e.Payload); err != nil {
		return err
	}
	return p.store.RebuildOptimistic(ctx, c.EntityType, c.EntityID)
}

func (p *Processor) fail(ctx context.Context, c models.OfflineChange, reason string) (sendOutcome, error) {
	p.log.Warn("change rejected", "change", c.ID, "entity", c.EntityKey(), "reason", reason)
	if err := p.ledger.MarkFailed(ctx, c.ID, errors.New(reason)); err != nil {
		return outcomeFailed, err
	}
	return outcomeFailed, p.recordError(ctx, c, models.ErrKindTerminal, reason)
}

func (p *Processor) recordError(ctx context.Context, c models.OfflineChange, kind models.ErrorKind, msg string) error {
	return p.store.RecordSyncError(ctx, models.SyncError{
		ChangeID:   c.ID,
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		Kind:       kind,
		Message:    msg,
	})
}

// flushResolutions delivers queued conflict resolutions. A transient failure
// leaves the rest queued for the next drain.
func (p *Processor) flushResolutions(ctx context.Context) (int, error) {
	pending, err := p.store.PendingResolutions(ctx)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, r := range pending {
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
		_, err := p.transport.ResolveConflict(attemptCtx, r)
		cancel()
		switch {
		case err == nil:
			delivered++
		case ctx.Err() != nil:
			return delivered, ctx.Err()
		case statusCode(err) == http.StatusNotFound:
			// Conflict only ever existed locally.
		case IsTransient(err):
			p.log.Debug("resolution deferred", "conflict", r.ConflictID, "err", err)
			return delivered, nil
		default:
			kind := models.ErrKindTerminal
			if statusCode(err) == http.StatusUnprocessableEntity {
				kind = models.ErrKindMergeValidation
			}
			if rerr := p.store.RecordSyncError(ctx, models.SyncError{Kind: kind, Message: fmt.Sprintf("resolve %s: %v", r.ConflictID, err)}); rerr != nil {
				return delivered, rerr
			}
		}
		if err := p.store.DeleteResolution(ctx, r.ConflictID); err != nil {
			return delivered, err
		}
	}
	return delivered, nil
}
