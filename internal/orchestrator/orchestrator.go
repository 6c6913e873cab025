// Package orchestrator runs call sessions: one single-writer state machine
// per call, drained by a shared worker pool, billed against the ledger while
// active and torn down on every failure path.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"consult-platform/internal/calls"
	"consult-platform/internal/config"
	"consult-platform/internal/media"
	"consult-platform/internal/pricing"
	"consult-platform/internal/timer"
	"consult-platform/internal/wallet"

	"github.com/google/uuid"
)

// Config holds the orchestrator timing knobs.
type Config struct {
	ResponseWindow  time.Duration
	TickInterval    time.Duration
	LowBalanceGrace time.Duration
	DisconnectGrace time.Duration
	JoinTimeout     time.Duration
	SweepInterval   time.Duration
	SweepBuffer     time.Duration
	EvictionGrace   time.Duration
	// GuardTTL is the caller lease lifetime; active calls renew it.
	GuardTTL time.Duration
	// OrphanAfter is how stale an engaged record must be before the sweeper
	// closes it on behalf of a vanished owner.
	OrphanAfter time.Duration

	Workers int

	LedgerRetries int
	LedgerBackoff time.Duration
	// OpTimeout bounds each ledger/store/gateway call made by a worker.
	OpTimeout time.Duration
}

func ConfigFrom(c config.CallsConfig) Config {
	return Config{
		ResponseWindow:  c.ResponseWindow,
		TickInterval:    c.TickInterval,
		LowBalanceGrace: c.LowBalanceGrace,
		DisconnectGrace: c.DisconnectGrace,
		JoinTimeout:     c.JoinTimeout,
		SweepInterval:   c.SweepInterval,
		SweepBuffer:     c.SweepBuffer,
		EvictionGrace:   c.EvictionGrace,
		GuardTTL:        c.GuardTTL,
		OrphanAfter:     c.OrphanAfter,
		Workers:         c.Workers,
	}
}

func (c *Config) applyDefaults() {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&c.ResponseWindow, 30*time.Second)
	def(&c.TickInterval, time.Second)
	def(&c.LowBalanceGrace, 8*time.Second)
	def(&c.DisconnectGrace, 15*time.Second)
	def(&c.JoinTimeout, time.Minute)
	def(&c.SweepInterval, 5*time.Second)
	def(&c.SweepBuffer, 5*time.Second)
	def(&c.EvictionGrace, 30*time.Second)
	def(&c.GuardTTL, 2*time.Minute)
	def(&c.OrphanAfter, 3*time.Minute)
	def(&c.LedgerBackoff, 50*time.Millisecond)
	def(&c.OpTimeout, 5*time.Second)
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.LedgerRetries <= 0 {
		c.LedgerRetries = 3
	}
}

// Deps are the collaborators. Store, Ledger, Pricing and Gateway are required.
type Deps struct {
	Store     calls.Store
	Ledger    wallet.Ledger
	Pricing   Pricer
	Gateway   media.Gateway
	Notifier  Notifier
	Guard     PartyGuard
	Audit     Auditor
	Observer  Observer
	Scheduler timer.Scheduler
	Log       *slog.Logger
}

type Orchestrator struct {
	cfg Config

	store    calls.Store
	ledger   wallet.Ledger
	pricing  Pricer
	gateway  media.Gateway
	notifier Notifier
	guard    PartyGuard
	audit    Auditor
	obs      Observer
	sched    timer.Scheduler
	log      *slog.Logger

	registry *Registry

	ready    chan *Session
	quit     chan struct{}
	wg       sync.WaitGroup
	inflight atomic.Int64
	sweeper  timer.Timer
	running  atomic.Bool
	stopOnce sync.Once

	baseCtx context.Context
	cancel  context.CancelFunc
}

func New(cfg Config, d Deps) (*Orchestrator, error) {
	if d.Store == nil || d.Ledger == nil || d.Pricing == nil || d.Gateway == nil {
		return nil, errors.New("orchestrator: store, ledger, pricing and gateway are required")
	}
	cfg.applyDefaults()

	o := &Orchestrator{
		cfg:      cfg,
		store:    d.Store,
		ledger:   d.Ledger,
		pricing:  d.Pricing,
		gateway:  d.Gateway,
		notifier: d.Notifier,
		guard:    d.Guard,
		audit:    d.Audit,
		obs:      d.Observer,
		sched:    d.Scheduler,
		log:      d.Log,
		registry: NewRegistry(),
		ready:    make(chan *Session, 4096),
		quit:     make(chan struct{}),
	}
	if o.notifier == nil {
		o.notifier = nopNotifier{}
	}
	if o.guard == nil {
		o.guard = NoopGuard{}
	}
	if o.obs == nil {
		o.obs = nopObserver{}
	}
	if o.sched == nil {
		o.sched = timer.Real{}
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	o.log = o.log.With("component", "orchestrator")
	o.baseCtx, o.cancel = context.WithCancel(context.Background())
	return o, nil
}

// SetNotifier wires the event channel after construction; the hub and the
// orchestrator reference each other.
func (o *Orchestrator) SetNotifier(n Notifier) {
	if n == nil {
		n = nopNotifier{}
	}
	o.notifier = n
}

func (o *Orchestrator) Registry() *Registry { return o.registry }

// Start launches the worker pool and the sweeper.
func (o *Orchestrator) Start() {
	if !o.running.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	o.sweeper = o.sched.Every(o.cfg.SweepInterval, func() { o.Sweep(o.baseCtx) })
	o.log.Info("orchestrator started", "workers", o.cfg.Workers)
}

// Stop halts the sweeper and workers. Live sessions stay persisted in their
// current state; the next process's sweeper expires stale pending ones.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.stopOnce.Do(func() {
		if o.sweeper != nil {
			o.sweeper.Stop()
		}
		close(o.quit)
		o.cancel()
	})
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.quit:
			return
		case s := <-o.ready:
			o.drain(s)
		}
	}
}

// drain processes the session's mailbox in arrival order.
func (o *Orchestrator) drain(s *Session) {
	for {
		s.mu.Lock()
		if len(s.mailbox) == 0 {
			s.scheduled = false
			s.mu.Unlock()
			return
		}
		cmd := s.mailbox[0]
		s.mailbox = s.mailbox[1:]
		s.mu.Unlock()

		o.process(s, cmd)
		o.inflight.Add(-1)
	}
}

// enqueue appends to the mailbox and schedules the session if idle.
func (o *Orchestrator) enqueue(s *Session, cmd command) error {
	s.mu.Lock()
	if s.evicted {
		s.mu.Unlock()
		return errEvicted
	}
	s.mailbox = append(s.mailbox, cmd)
	o.inflight.Add(1)
	schedule := !s.scheduled
	s.scheduled = true
	s.mu.Unlock()

	if schedule {
		select {
		case o.ready <- s:
		case <-o.quit:
			return ErrStopped
		}
	}
	return nil
}

// fire is the timer callback form of enqueue.
func (o *Orchestrator) fire(s *Session, kind cmdKind) func() {
	return func() { _ = o.enqueue(s, command{kind: kind}) }
}

// submit enqueues a command and waits for its result.
func (o *Orchestrator) submit(ctx context.Context, s *Session, cmd command) (result, error) {
	cmd.reply = make(chan result, 1)
	if err := o.enqueue(s, cmd); err != nil {
		return result{}, err
	}
	select {
	case r := <-cmd.reply:
		return r, r.err
	case <-ctx.Done():
		return result{}, ctx.Err()
	case <-o.quit:
		return result{}, ErrStopped
	}
}

// keepaliveEvery is how often an active session refreshes its record and
// renews its caller lease.
func (o *Orchestrator) keepaliveEvery() time.Duration {
	d := o.cfg.GuardTTL
	if o.cfg.OrphanAfter < d {
		d = o.cfg.OrphanAfter
	}
	return d / 3
}

func (o *Orchestrator) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(o.baseCtx, o.cfg.OpTimeout)
}

/* ===================== FAÇADE ===================== */

// Initiate creates a session from caller to callee and returns once the callee
// has been notified (Ringing) or found unreachable.
func (o *Orchestrator) Initiate(ctx context.Context, callerID, calleeID string) (calls.CallRequest, error) {
	callerID, calleeID = strings.TrimSpace(callerID), strings.TrimSpace(calleeID)
	if callerID == "" || calleeID == "" || callerID == calleeID {
		return calls.CallRequest{}, fmt.Errorf("%w: caller and callee must be distinct parties", ErrInvalidCommand)
	}
	if _, busy := o.registry.LiveFor(callerID); busy {
		return calls.CallRequest{}, ErrCallerAlreadyInSession
	}

	quote, err := o.pricing.Snapshot(ctx, calleeID)
	if err != nil {
		if errors.Is(err, pricing.ErrPricingNotFound) {
			return calls.CallRequest{}, fmt.Errorf("%w: callee has no rate", ErrInvalidCommand)
		}
		return calls.CallRequest{}, fmt.Errorf("pricing snapshot: %w", err)
	}

	now := o.sched.Now().UTC()
	req := calls.CallRequest{
		ID:                   uuid.NewString(),
		CallerID:             callerID,
		CalleeID:             calleeID,
		RatePerMinuteMinor:   quote.RatePerMinuteMinor,
		Currency:             quote.Currency,
		FreeAllowanceSeconds: quote.FreeAllowanceSeconds,
		CreatedAt:            now,
		ResponseDeadline:     now.Add(o.cfg.ResponseWindow),
		Status:               calls.StatusInitiated,
		UpdatedAt:            now,
	}
	s := newSession(req)

	if err := o.registry.Register(s); err != nil {
		return calls.CallRequest{}, err
	}
	ok, err := o.guard.Acquire(ctx, callerID, req.ID)
	switch {
	case err != nil:
		o.log.Warn("party guard unavailable, relying on local registry", "party_id", callerID, "err", err)
	case !ok:
		o.registry.release(req)
		o.registry.Remove(req.ID)
		return calls.CallRequest{}, ErrCallerAlreadyInSession
	default:
		s.guardHeld = true
	}

	if err := o.store.Create(ctx, req); err != nil {
		o.registry.release(req)
		o.registry.Remove(req.ID)
		if s.guardHeld {
			_ = o.guard.Release(ctx, callerID, req.ID)
		}
		return calls.CallRequest{}, fmt.Errorf("persist call request: %w", err)
	}

	s.deadline = o.sched.AfterFunc(req.ResponseDeadline.Sub(now), o.fire(s, cmdExpire))

	r, err := o.submit(ctx, s, command{kind: cmdStart, partyID: callerID})
	if err != nil {
		return r.call, err
	}
	return r.call, nil
}

// AcceptResult is what the callee needs to join.
type AcceptResult struct {
	Call       calls.CallRequest `json:"call"`
	Credential media.Credential  `json:"credential"`
}

func (o *Orchestrator) Accept(ctx context.Context, sessionID, calleeID string) (AcceptResult, error) {
	r, err := o.command(ctx, sessionID, command{kind: cmdAccept, partyID: calleeID})
	if err != nil {
		return AcceptResult{Call: r.call}, err
	}
	out := AcceptResult{Call: r.call}
	if r.cred != nil {
		out.Credential = *r.cred
	}
	return out, nil
}

func (o *Orchestrator) Reject(ctx context.Context, sessionID, calleeID, reason string) (calls.CallRequest, error) {
	r, err := o.command(ctx, sessionID, command{kind: cmdReject, partyID: calleeID, detail: reason})
	return r.call, err
}

// Cancel is idempotent: cancelling a cancelled session returns it unchanged.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID, callerID string) (calls.CallRequest, error) {
	r, err := o.command(ctx, sessionID, command{kind: cmdCancel, partyID: callerID})
	return r.call, err
}

// End is idempotent for every terminal state.
func (o *Orchestrator) End(ctx context.Context, sessionID, partyID, reason string) (calls.CallRequest, error) {
	r, err := o.command(ctx, sessionID, command{kind: cmdEnd, partyID: partyID, detail: reason})
	return r.call, err
}

// TopUp tells a session the caller has added funds; the outstanding amount is
// re-attempted at once.
func (o *Orchestrator) TopUp(ctx context.Context, sessionID, partyID string) (calls.CallRequest, error) {
	r, err := o.command(ctx, sessionID, command{kind: cmdTopUp, partyID: partyID})
	return r.call, err
}

// PartyJoined and PartyLeft relay transport connect/disconnect, from the media
// webhook or from the party's own signal.
func (o *Orchestrator) PartyJoined(ctx context.Context, sessionID, partyID string) error {
	_, err := o.command(ctx, sessionID, command{kind: cmdJoined, partyID: partyID})
	return err
}

func (o *Orchestrator) PartyLeft(ctx context.Context, sessionID, partyID string) error {
	_, err := o.command(ctx, sessionID, command{kind: cmdLeft, partyID: partyID})
	return err
}

// Terminate ends a session on behalf of an operator who is not a party to it.
// Terminating a terminal session returns it unchanged.
func (o *Orchestrator) Terminate(ctx context.Context, sessionID, actorID, reason string) (calls.CallRequest, error) {
	r, err := o.command(ctx, sessionID, command{kind: cmdTerminate, partyID: actorID, detail: reason})
	return r.call, err
}

// Get returns the live view of a session, or the persisted record once evicted.
func (o *Orchestrator) Get(ctx context.Context, sessionID string) (calls.CallRequest, error) {
	if s, ok := o.registry.Get(sessionID); ok {
		return s.Snapshot(), nil
	}
	c, err := o.store.Get(ctx, sessionID)
	if errors.Is(err, calls.ErrNotFound) {
		return calls.CallRequest{}, ErrSessionNotFound
	}
	return c, err
}

// Pending is the callee's ringing list.
func (o *Orchestrator) Pending(calleeID string) []calls.PendingCall {
	return o.registry.Pending(calleeID)
}

// command routes to the live session, falling back to the persisted record
// when the session has been evicted or belongs to a previous process.
func (o *Orchestrator) command(ctx context.Context, sessionID string, cmd command) (result, error) {
	if sessionID == "" || cmd.partyID == "" {
		return result{}, ErrInvalidCommand
	}
	if s, ok := o.registry.Get(sessionID); ok {
		if cmd.kind != cmdTerminate && !s.Snapshot().IsParty(cmd.partyID) {
			return result{}, ErrNotParticipant
		}
		r, err := o.submit(ctx, s, cmd)
		if !errors.Is(err, errEvicted) {
			return r, err
		}
	}
	return o.fromRecord(ctx, sessionID, cmd)
}

func (o *Orchestrator) fromRecord(ctx context.Context, sessionID string, cmd command) (result, error) {
	c, err := o.store.Get(ctx, sessionID)
	if errors.Is(err, calls.ErrNotFound) {
		return result{}, ErrSessionNotFound
	}
	if err != nil {
		return result{}, err
	}
	if cmd.kind != cmdTerminate && !c.IsParty(cmd.partyID) {
		return result{}, ErrNotParticipant
	}
	switch cmd.kind {
	case cmdCancel:
		if c.Status == calls.StatusCancelled {
			return result{call: c}, nil
		}
		return result{call: c}, stale(c.Status)
	case cmdEnd, cmdTerminate:
		if c.Status.IsTerminal() {
			return result{call: c}, nil
		}
		return result{call: c}, stale(c.Status)
	case cmdAccept, cmdReject:
		if cmd.partyID != c.CalleeID {
			return result{}, ErrNotParticipant
		}
		return result{call: c}, stale(c.Status)
	default:
		return result{call: c}, stale(c.Status)
	}
}
