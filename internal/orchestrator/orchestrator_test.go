package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"consult-platform/internal/calls"
	"consult-platform/internal/media"
	"consult-platform/internal/pricing"
	"consult-platform/internal/timer"
	"consult-platform/internal/wallet"

	"github.com/stretchr/testify/require"
)

const (
	caller = "user-1"
	callee = "provider-1"
)

type fakeGateway struct {
	mu     sync.Mutex
	fail   error
	issued int
	closed []string
}

func (g *fakeGateway) CreateRoomCredential(ctx context.Context, sessionID, partyID string) (media.Credential, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail != nil {
		return media.Credential{}, g.fail
	}
	g.issued++
	return media.Credential{Room: media.RoomName(sessionID), Token: "tok-" + partyID, URL: "wss://media.test"}, nil
}

func (g *fakeGateway) CloseRoom(ctx context.Context, room string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = append(g.closed, room)
	return nil
}

func (g *fakeGateway) stats() (int, []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.issued, append([]string(nil), g.closed...)
}

type recorder struct {
	mu      sync.Mutex
	got     map[string][]calls.Notification
	offline map[string]bool
	// failing parties get a delivery error that is not an offline verdict.
	failing map[string]bool
}

func newRecorder() *recorder {
	return &recorder{got: map[string][]calls.Notification{}, offline: map[string]bool{}, failing: map[string]bool{}}
}

func (r *recorder) Notify(ctx context.Context, partyID string, n calls.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline[partyID] {
		return ErrPartyOffline
	}
	if r.failing[partyID] {
		return errors.New("socket write queue full")
	}
	r.got[partyID] = append(r.got[partyID], n)
	return nil
}

func (r *recorder) count(partyID string, typ calls.NotificationType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.got[partyID] {
		if x.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) last(partyID string, typ calls.NotificationType) (calls.Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.got[partyID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Type == typ {
			return list[i], true
		}
	}
	return calls.Notification{}, false
}

type leaseGuard struct {
	mu       sync.Mutex
	held     map[string]string
	renewed  int
	released []string
}

func newLeaseGuard() *leaseGuard { return &leaseGuard{held: map[string]string{}} }

func (g *leaseGuard) Acquire(ctx context.Context, partyID, sessionID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.held[partyID]; ok && cur != sessionID {
		return false, nil
	}
	g.held[partyID] = sessionID
	return true, nil
}

func (g *leaseGuard) Renew(ctx context.Context, partyID, sessionID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.renewed++
	return g.held[partyID] == sessionID, nil
}

func (g *leaseGuard) Release(ctx context.Context, partyID, sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held[partyID] == sessionID {
		delete(g.held, partyID)
	}
	g.released = append(g.released, sessionID)
	return nil
}

func (g *leaseGuard) stats() (int, []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.renewed, append([]string(nil), g.released...)
}

type harness struct {
	t      *testing.T
	o      *Orchestrator
	clock  *timer.Manual
	store  *calls.MemoryStore
	ledger *wallet.MemoryLedger
	gw     *fakeGateway
	notes  *recorder
	guard  *leaseGuard
}

func newHarness(t *testing.T, rate int64, free int, balance int64) *harness {
	t.Helper()
	clock := timer.NewManual(time.Time{})
	rates := &pricing.MemoryRepo{}
	rates.Put(pricing.ProviderRate{
		ID:                   "rate-1",
		ProviderID:           callee,
		Currency:             "USD",
		RatePerMinuteMinor:   rate,
		FreeAllowanceSeconds: &free,
		Status:               pricing.PricingStatusActive,
	})
	ledger := wallet.NewMemoryLedger()
	ledger.SetBalance(caller, "USD", balance)
	ledger.SetBalance("user-2", "USD", balance)

	h := &harness{
		t:      t,
		clock:  clock,
		store:  calls.NewMemoryStore(),
		ledger: ledger,
		gw:     &fakeGateway{},
		notes:  newRecorder(),
		guard:  newLeaseGuard(),
	}
	o, err := New(Config{
		Workers:       4,
		LedgerRetries: 1,
		LedgerBackoff: time.Millisecond,
		SweepInterval: 24 * time.Hour,
	}, Deps{
		Store:     h.store,
		Ledger:    ledger,
		Pricing:   pricing.NewService(rates, time.Minute),
		Gateway:   h.gw,
		Notifier:  h.notes,
		Guard:     h.guard,
		Scheduler: clock,
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	o.Start()
	t.Cleanup(func() { _ = o.Stop(context.Background()) })
	h.o = o
	return h
}

// settle waits until every queued command has been processed.
func (h *harness) settle() {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.o.inflight.Load() == 0 }, 2*time.Second, time.Millisecond)
}

func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clock.Advance(d)
	h.settle()
}

// seconds advances one second at a time so each tick sees its own instant.
func (h *harness) seconds(n int) {
	h.t.Helper()
	for i := 0; i < n; i++ {
		h.advance(time.Second)
	}
}

func (h *harness) get(id string) calls.CallRequest {
	h.t.Helper()
	c, err := h.o.Get(context.Background(), id)
	require.NoError(h.t, err)
	return c
}

// activate runs a call from initiate to Active.
func (h *harness) activate() calls.CallRequest {
	h.t.Helper()
	ctx := context.Background()
	c, err := h.o.Initiate(ctx, caller, callee)
	require.NoError(h.t, err)
	_, err = h.o.Accept(ctx, c.ID, callee)
	require.NoError(h.t, err)
	require.NoError(h.t, h.o.PartyJoined(ctx, c.ID, caller))
	require.NoError(h.t, h.o.PartyJoined(ctx, c.ID, callee))
	h.settle()
	require.Equal(h.t, calls.StatusActive, h.get(c.ID).Status)
	return c
}

func TestInitiate_RingsCalleeOnce(t *testing.T) {
	h := newHarness(t, 100, 60, 1000)
	c, err := h.o.Initiate(context.Background(), caller, callee)
	require.NoError(t, err)
	require.Equal(t, calls.StatusRinging, c.Status)
	require.Equal(t, c.CreatedAt.Add(30*time.Second), c.ResponseDeadline)
	require.Equal(t, int64(100), c.RatePerMinuteMinor)
	h.settle()

	require.Equal(t, 1, h.notes.count(callee, calls.NotifyRinging))
	pending, ok := h.notes.last(callee, calls.NotifyPendingCalls)
	require.True(t, ok)
	require.Equal(t, 1, pending.Data.(calls.PendingData).Count)
	require.Len(t, h.o.Pending(callee), 1)

	stored, err := h.store.Get(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, calls.StatusRinging, stored.Status)
}

func TestInitiate_Validation(t *testing.T) {
	h := newHarness(t, 100, 60, 1000)
	ctx := context.Background()

	_, err := h.o.Initiate(ctx, caller, caller)
	require.ErrorIs(t, err, ErrInvalidCommand)

	_, err = h.o.Initiate(ctx, caller, "provider-without-rate")
	require.ErrorIs(t, err, ErrInvalidCommand)

	_, err = h.o.Initiate(ctx, caller, callee)
	require.NoError(t, err)
	_, err = h.o.Initiate(ctx, caller, callee)
	require.ErrorIs(t, err, ErrCallerAlreadyInSession)
}

func TestInitiate_CalleeUnreachable(t *testing.T) {
	h := newHarness(t, 100, 60, 1000)
	h.notes.offline[callee] = true

	c, err := h.o.Initiate(context.Background(), caller, callee)
	require.ErrorIs(t, err, ErrCalleeUnreachable)
	require.Equal(t, calls.StatusFailed, c.Status)
	require.Equal(t, calls.ReasonCalleeUnreachable, c.Reason)
	h.settle()

	// The caller is free to try again.
	delete(h.notes.offline, callee)
	_, err = h.o.Initiate(context.Background(), caller, callee)
	require.NoError(t, err)
}

func TestInitiate_DeliveryErrorStillRings(t *testing.T) {
	h := newHarness(t, 100, 60, 1000)
	h.notes.failing[callee] = true

	c, err := h.o.Initiate(context.Background(), caller, callee)
	require.NoError(t, err)
	require.Equal(t, calls.StatusRinging, c.Status)
	require.Len(t, h.o.Pending(callee), 1)
}

// Balance 1000, 100/min, 60s free, 125s active: 65 billable seconds cost 108.
func TestBilling_FreeAllowanceThenPerSecond(t *testing.T) {
	h := newHarness(t, 100, 60, 1000)
	c := h.activate()

	active, ok := h.notes.last(caller, calls.NotifyActive)
	require.True(t, ok)
	data := active.Data.(calls.ActiveData)
	require.Equal(t, 60, data.FreeAllowanceSeconds)

	h.seconds(60)
	require.Zero(t, h.get(c.ID).TotalChargedMinor)
	require.Zero(t, h.notes.count(caller, calls.NotifyCreditsUpdated))

	h.seconds(65)
	require.Equal(t, 1, h.notes.count(caller, calls.NotifyBillingStarted))

	ended, err := h.o.End(context.Background(), c.ID, caller, "done")
	require.NoError(t, err)
	require.Equal(t, calls.StatusCompleted, ended.Status)
	require.Equal(t, calls.ReasonEndedByCaller, ended.Reason)
	require.Equal(t, 125, ended.DurationSeconds)
	require.Equal(t, int64(108), ended.TotalChargedMinor)

	bal, err := h.ledger.GetBalance(context.Background(), caller)
	require.NoError(t, err)
	require.Equal(t, int64(892), bal.BalanceMinor)

	ticks, err := h.store.Ticks(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, ticks, 65)
	var sum int64
	for _, tk := range ticks {
		sum += tk.AmountDebitedMinor
	}
	require.Equal(t, int64(108), sum)

	h.settle()
	require.Equal(t, 1, h.notes.count(callee, calls.NotifyCompleted))
	_, closed := h.gw.stats()
	require.Equal(t, []string{media.RoomName(c.ID)}, closed)
}

func TestBilling_DelayedTicksDoNotDrift(t *testing.T) {
	h := newHarness(t, 100, 0, 1000)
	c := h.activate()

	// One tick observed after 7s owes the same as seven 1s ticks.
	h.clock.Advance(7 * time.Second)
	h.settle()
	require.Equal(t, int64(11), h.get(c.ID).TotalChargedMinor)
}

// An unanswered call expires at its deadline without issuing credentials.
func TestExpiry_NoAnswer(t *testing.T) {
	h := newHarness(t, 100, 60, 1000)
	c, err := h.o.Initiate(context.Background(), caller, callee)
	require.NoError(t, err)

	h.advance(30 * time.Second)

	got := h.get(c.ID)
	require.Equal(t, calls.StatusExpired, got.Status)
	require.Equal(t, calls.ReasonNoAnswer, got.Reason)
	issued, _ := h.gw.stats()
	require.Zero(t, issued)
	ticks, _ := h.store.Ticks(context.Background(), c.ID)
	require.Empty(t, ticks)
	require.Equal(t, 1, h.notes.count(caller, calls.NotifyExpired))
	require.Empty(t, h.o.Pending(callee))

	_, err = h.o.Accept(context.Background(), c.ID, callee)
	var se *StaleRequestError
	require.ErrorAs(t, err, &se)
	require.Equal(t, calls.StatusExpired, se.Status)
}

// A rejection reaches the caller with its reason and never opens a room.
func TestReject_NotifiesCaller(t *testing.T) {
	h := newHarness(t, 100, 60, 1000)
	c, err := h.o.Initiate(context.Background(), caller, callee)
	require.NoError(t, err)
	h.advance(5 * time.Second)

	got, err := h.o.Reject(context.Background(), c.ID, callee, "busy today")
	require.NoError(t, err)
	require.Equal(t, calls.StatusRejected, got.Status)
	require.Equal(t, "busy today", got.ReasonDetail)
	h.settle()

	n, ok := h.notes.last(caller, calls.NotifyRejected)
	require.True(t, ok)
	require.Equal(t, calls.ReasonRejected, n.Reason)
	require.Equal(t, calls.ReasonRejected.Message(), n.Message)
	issued, _ := h.gw.stats()
	require.Zero(t, issued)

	_, err = h.o.Reject(context.Background(), c.ID, caller, "")
	require.ErrorIs(t, err, ErrNotParticipant)
}

// A balance that runs out mid-call warns once, then fails the call after the grace window.
func TestBilling_InsufficientCreditsFailsAfterGrace(t *testing.T) {
	h := newHarness(t, 100, 60, 50)
	c := h.activate()

	h.seconds(91)
	require.Equal(t, calls.StatusActive, h.get(c.ID).Status)
	require.Equal(t, 1, h.notes.count(caller, calls.NotifyLowBalance))

	h.seconds(8)
	got := h.get(c.ID)
	require.Equal(t, calls.StatusFailed, got.Status)
	require.Equal(t, calls.ReasonInsufficientCredits, got.Reason)
	require.Equal(t, int64(50), got.TotalChargedMinor)
	require.Equal(t, 1, h.notes.count(caller, calls.NotifyLowBalance))
	require.Equal(t, 1, h.notes.count(callee, calls.NotifyFailed))

	ticks, err := h.store.Ticks(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, ticks, 31)
	require.True(t, ticks[len(ticks)-1].Insufficient)
	_, closed := h.gw.stats()
	require.Equal(t, []string{media.RoomName(c.ID)}, closed)

	h.seconds(5)
	after, _ := h.store.Ticks(context.Background(), c.ID)
	require.Len(t, after, 31)
}

func TestBilling_TopUpClearsGrace(t *testing.T) {
	h := newHarness(t, 100, 60, 50)
	c := h.activate()
	h.seconds(92)

	_, err := h.ledger.Credit(context.Background(), caller, wallet.CreditRequest{AmountMinor: 500, Currency: "USD", IdempotencyKey: "topup-1"})
	require.NoError(t, err)
	_, err = h.o.TopUp(context.Background(), c.ID, caller)
	require.NoError(t, err)

	h.seconds(20)
	got := h.get(c.ID)
	require.Equal(t, calls.StatusActive, got.Status)
	require.Equal(t, pricing.OwedMinor(112-60, 100), got.TotalChargedMinor)
}

// Exactly one of a concurrent cancel and accept wins; the loser sees the winner's status.
func TestRace_CancelVersusAccept(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, 100, 60, 1000)
		c, err := h.o.Initiate(context.Background(), caller, callee)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var acceptErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, acceptErr = h.o.Accept(context.Background(), c.ID, callee)
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = h.o.Cancel(context.Background(), c.ID, caller)
		}()
		wg.Wait()
		h.settle()

		require.True(t, (acceptErr == nil) != (cancelErr == nil), "accept=%v cancel=%v", acceptErr, cancelErr)
		loser := acceptErr
		if loser == nil {
			loser = cancelErr
		}
		var se *StaleRequestError
		require.ErrorAs(t, loser, &se)
		require.ErrorIs(t, loser, ErrStaleRequest)
		require.Equal(t, h.get(c.ID).Status, se.Status)
	}
}

func TestCancel_Idempotent(t *testing.T) {
	h := newHarness(t, 100, 60, 1000)
	ctx := context.Background()
	c, err := h.o.Initiate(ctx, caller, callee)
	require.NoError(t, err)

	first, err := h.o.Cancel(ctx, c.ID, caller)
	require.NoError(t, err)
	second, err := h.o.Cancel(ctx, c.ID, caller)
	require.NoError(t, err)
	require.Equal(t, calls.StatusCancelled, first.Status)
	require.Equal(t, first.Status, second.Status)
	h.settle()
	require.Equal(t, 1, h.notes.count(callee, calls.NotifyCancelled))

	// Still answered from the persisted record after eviction.
	h.advance(31 * time.Second)
	require.Zero(t, h.o.Registry().Len())
	third, err := h.o.Cancel(ctx, c.ID, caller)
	require.NoError(t, err)
	require.Equal(t, calls.StatusCancelled, third.Status)
	require.Equal(t, 1, h.notes.count(callee, calls.NotifyCancelled))

	_, err = h.o.Cancel(ctx, "missing", caller)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestEnd_IdempotentOnTerminal(t *testing.T) {
	h := newHarness(t, 100, 60, 1000)
	ctx := context.Background()
	c, err := h.o.Initiate(ctx, caller, callee)
	require.NoError(t, err)

	got, err := h.o.End(ctx, c.ID, callee, "")
	require.NoError(t, err)
	require.Equal(t, calls.StatusRejected, got.Status)

	again, err := h.o.End(ctx, c.ID, caller, "")
	require.NoError(t, err)
	require.Equal(t, calls.StatusRejected, again.Status)
}

func TestAccept_CalleeBusy(t *testing.T) {
	h := newHarness(t, 100, 60, 1000)
	ctx := context.Background()
	first, err := h.o.Initiate(ctx, caller, callee)
	require.NoError(t, err)
	second, err := h.o.Initiate(ctx, "user-2", callee)
	require.NoError(t, err)
	require.Len(t, h.o.Pending(callee), 2)

	res, err := h.o.Accept(ctx, first.ID, callee)
	require.NoError(t, err)
	require.Equal(t, "tok-"+callee, res.Credential.Token)
	require.Equal(t, media.RoomName(first.ID), res.Call.TransportRoomName)

	_, err = h.o.Accept(ctx, second.ID, callee)
	require.ErrorIs(t, err, ErrCalleeBusy)
	require.Equal(t, calls.StatusRinging, h.get(second.ID).Status)
	require.Len(t, h.o.Pending(callee), 1)

	h.settle()
	n, ok := h.notes.last(caller, calls.NotifyAccepted)
	require.True(t, ok)
	require.Equal(t, "tok-"+caller, n.Data.(calls.CredentialData).Token)
}

func TestAccept_TransportUnavailable(t *testing.T) {
	h := newHarness(t, 100, 60, 1000)
	h.gw.fail = media.ErrUnavailable
	c, err := h.o.Initiate(context.Background(), caller, callee)
	require.NoError(t, err)

	_, err = h.o.Accept(context.Background(), c.ID, callee)
	require.ErrorIs(t, err, ErrTransportUnavailable)
	got := h.get(c.ID)
	require.Equal(t, calls.StatusFailed, got.Status)
	require.Equal(t, calls.ReasonTransportUnavailable, got.Reason)
}

func TestAccept_JoinTimeout(t *testing.T) {
	h := newHarness(t, 100, 60, 1000)
	ctx := context.Background()
	c, err := h.o.Initiate(ctx, caller, callee)
	require.NoError(t, err)
	_, err = h.o.Accept(ctx, c.ID, callee)
	require.NoError(t, err)
	require.NoError(t, h.o.PartyJoined(ctx, c.ID, caller))

	h.advance(time.Minute)
	got := h.get(c.ID)
	require.Equal(t, calls.StatusFailed, got.Status)
	require.Equal(t, calls.ReasonJoinTimeout, got.Reason)
	require.Zero(t, got.TotalChargedMinor)
}

func TestDisconnect_GraceThenCompleted(t *testing.T) {
	h := newHarness(t, 100, 60, 1000)
	ctx := context.Background()
	c := h.activate()
	h.seconds(70)

	require.NoError(t, h.o.PartyLeft(ctx, c.ID, caller))
	h.seconds(15)

	got := h.get(c.ID)
	require.Equal(t, calls.StatusCompleted, got.Status)
	require.Equal(t, calls.ReasonPartyDisconnected, got.Reason)
	require.Equal(t, 70, got.DurationSeconds)
	require.Equal(t, pricing.OwedMinor(10, 100), got.TotalChargedMinor)
}

func TestDisconnect_RejoinKeepsCallActive(t *testing.T) {
	h := newHarness(t, 100, 60, 1000)
	ctx := context.Background()
	c := h.activate()
	h.seconds(10)

	require.NoError(t, h.o.PartyLeft(ctx, c.ID, callee))
	h.seconds(5)
	require.NoError(t, h.o.PartyJoined(ctx, c.ID, callee))
	h.seconds(20)

	require.Equal(t, calls.StatusActive, h.get(c.ID).Status)
}

func TestSweep_ExpiresOrphanedPending(t *testing.T) {
	h := newHarness(t, 100, 60, 1000)
	ctx := context.Background()
	now := h.clock.Now()
	orphan := calls.CallRequest{
		ID:               "orphan-1",
		CallerID:         "user-9",
		CalleeID:         callee,
		Currency:         "USD",
		CreatedAt:        now.Add(-2 * time.Minute),
		ResponseDeadline: now.Add(-time.Minute),
		Status:           calls.StatusRinging,
		UpdatedAt:        now.Add(-2 * time.Minute),
	}
	require.NoError(t, h.store.Create(ctx, orphan))

	h.o.Sweep(ctx)

	got, err := h.store.Get(ctx, orphan.ID)
	require.NoError(t, err)
	require.Equal(t, calls.StatusExpired, got.Status)
	require.Equal(t, calls.ReasonNoAnswer, got.Reason)
	require.Equal(t, 1, h.notes.count("user-9", calls.NotifyExpired))
	_, released := h.guard.stats()
	require.Equal(t, []string{orphan.ID}, released)
}

// Engaged records left behind by a crashed process are closed once stale:
// accepted ones fail, active ones complete and are billed from the tick log.
func TestSweep_ClosesOrphanedEngagedCalls(t *testing.T) {
	h := newHarness(t, 100, 60, 1000)
	ctx := context.Background()
	now := h.clock.Now()
	lastSeen := now.Add(-2 * time.Hour)
	activeAt := lastSeen.Add(-100 * time.Second)
	acceptedAt := lastSeen.Add(-5 * time.Second)

	active := calls.CallRequest{
		ID:                   "orphan-active",
		CallerID:             "user-7",
		CalleeID:             callee,
		Currency:             "USD",
		RatePerMinuteMinor:   100,
		FreeAllowanceSeconds: 60,
		Status:               calls.StatusActive,
		TransportRoomName:    media.RoomName("orphan-active"),
		CreatedAt:            activeAt.Add(-30 * time.Second),
		ActiveAt:             &activeAt,
		UpdatedAt:            lastSeen.Add(-30 * time.Second),
	}
	accepted := calls.CallRequest{
		ID:                "orphan-accepted",
		CallerID:          "user-8",
		CalleeID:          "provider-2",
		Currency:          "USD",
		Status:            calls.StatusAccepted,
		TransportRoomName: media.RoomName("orphan-accepted"),
		CreatedAt:         acceptedAt.Add(-10 * time.Second),
		AcceptedAt:        &acceptedAt,
		UpdatedAt:         acceptedAt,
	}
	require.NoError(t, h.store.Create(ctx, active))
	require.NoError(t, h.store.Create(ctx, accepted))
	h.ledger.SetBalance("user-7", "USD", 1000)

	// 70s were billed before the crash; the last tick landed at lastSeen.
	require.NoError(t, h.store.AppendTick(ctx, calls.BillingTick{
		SessionID:          active.ID,
		Seq:                1,
		ElapsedSeconds:     70,
		AmountDebitedMinor: pricing.OwedMinor(10, 100),
		CreatedAt:          lastSeen,
	}))
	_, err := h.ledger.Debit(ctx, "user-7", wallet.DebitRequest{AmountMinor: pricing.OwedMinor(10, 100), Currency: "USD", IdempotencyKey: active.ID + ":tick:1"})
	require.NoError(t, err)

	h.o.Sweep(ctx)

	got, err := h.store.Get(ctx, active.ID)
	require.NoError(t, err)
	require.Equal(t, calls.StatusCompleted, got.Status)
	require.Equal(t, calls.ReasonServiceInterrupted, got.Reason)
	require.Equal(t, 100, got.DurationSeconds)
	require.Equal(t, pricing.OwedMinor(40, 100), got.TotalChargedMinor)
	require.NotNil(t, got.EndedAt)
	require.True(t, got.EndedAt.Equal(lastSeen))

	bal, err := h.ledger.GetBalance(ctx, "user-7")
	require.NoError(t, err)
	require.Equal(t, 1000-pricing.OwedMinor(40, 100), bal.BalanceMinor)
	ticks, err := h.store.Ticks(ctx, active.ID)
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	require.Equal(t, 2, ticks[1].Seq)

	failed, err := h.store.Get(ctx, accepted.ID)
	require.NoError(t, err)
	require.Equal(t, calls.StatusFailed, failed.Status)
	require.Equal(t, calls.ReasonServiceInterrupted, failed.Reason)
	require.Zero(t, failed.TotalChargedMinor)

	_, released := h.guard.stats()
	require.ElementsMatch(t, []string{active.ID, accepted.ID}, released)
	_, closed := h.gw.stats()
	require.ElementsMatch(t, []string{active.TransportRoomName, accepted.TransportRoomName}, closed)
	require.Equal(t, 1, h.notes.count("user-7", calls.NotifyCompleted))
	require.Equal(t, 1, h.notes.count("user-8", calls.NotifyFailed))

	// A second pass finds nothing left to close.
	h.o.Sweep(ctx)
	require.Equal(t, 1, h.notes.count("user-7", calls.NotifyCompleted))
	after, _ := h.store.Ticks(ctx, active.ID)
	require.Len(t, after, 2)
}

func TestSweep_LeavesRecentlyRefreshedEngagedCalls(t *testing.T) {
	h := newHarness(t, 100, 60, 1000)
	ctx := context.Background()
	now := h.clock.Now()
	activeAt := now.Add(-time.Hour)
	require.NoError(t, h.store.Create(ctx, calls.CallRequest{
		ID:        "elsewhere",
		CallerID:  "user-7",
		CalleeID:  callee,
		Status:    calls.StatusActive,
		ActiveAt:  &activeAt,
		UpdatedAt: now.Add(-30 * time.Second),
	}))

	h.o.Sweep(ctx)

	got, err := h.store.Get(ctx, "elsewhere")
	require.NoError(t, err)
	require.Equal(t, calls.StatusActive, got.Status)
}

// Active calls refresh their record and renew the caller lease well inside
// the lease lifetime.
func TestBilling_KeepaliveRefreshesRecordAndLease(t *testing.T) {
	h := newHarness(t, 100, 60, 1000)
	ctx := context.Background()
	c := h.activate()
	before, err := h.store.Get(ctx, c.ID)
	require.NoError(t, err)

	h.seconds(41)

	after, err := h.store.Get(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, after.UpdatedAt.After(before.UpdatedAt))
	require.GreaterOrEqual(t, after.DurationSeconds, 40)
	renewed, _ := h.guard.stats()
	require.Equal(t, 1, renewed)

	h.o.Sweep(ctx)
	require.Equal(t, calls.StatusActive, h.get(c.ID).Status)

	held, err := h.guard.Acquire(ctx, caller, "another-session")
	require.NoError(t, err)
	require.False(t, held)
}

func TestSweep_ExpiresLiveSessionWhoseTimerWasLost(t *testing.T) {
	h := newHarness(t, 100, 60, 1000)
	c, err := h.o.Initiate(context.Background(), caller, callee)
	require.NoError(t, err)

	s, ok := h.o.Registry().Get(c.ID)
	require.True(t, ok)
	s.deadline.Stop()

	h.advance(40 * time.Second)
	require.Equal(t, calls.StatusRinging, h.get(c.ID).Status)

	h.o.Sweep(context.Background())
	h.settle()
	require.Equal(t, calls.StatusExpired, h.get(c.ID).Status)
}

func TestTerminate_EndsAndBillsForOperator(t *testing.T) {
	h := newHarness(t, 100, 60, 1000)
	ctx := context.Background()
	c := h.activate()
	h.seconds(70)

	got, err := h.o.Terminate(ctx, c.ID, "admin-1", "abuse report")
	require.NoError(t, err)
	require.Equal(t, calls.StatusCompleted, got.Status)
	require.Equal(t, calls.ReasonTerminatedByAdmin, got.Reason)
	require.Equal(t, pricing.OwedMinor(10, 100), got.TotalChargedMinor)
	h.settle()
	require.Equal(t, 1, h.notes.count(caller, calls.NotifyCompleted))
	require.Equal(t, 1, h.notes.count(callee, calls.NotifyCompleted))

	again, err := h.o.Terminate(ctx, c.ID, "admin-1", "")
	require.NoError(t, err)
	require.Equal(t, calls.StatusCompleted, again.Status)

	// Ordinary commands still require a participant.
	_, err = h.o.End(ctx, c.ID, "admin-1", "")
	require.ErrorIs(t, err, ErrNotParticipant)
}

func TestTerminate_PendingCallIsCancelled(t *testing.T) {
	h := newHarness(t, 100, 60, 1000)
	c, err := h.o.Initiate(context.Background(), caller, callee)
	require.NoError(t, err)

	got, err := h.o.Terminate(context.Background(), c.ID, "admin-1", "")
	require.NoError(t, err)
	require.Equal(t, calls.StatusCancelled, got.Status)
	require.Equal(t, calls.ReasonTerminatedByAdmin, got.Reason)
	require.Empty(t, h.o.Pending(callee))
}
