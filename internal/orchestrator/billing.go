package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"consult-platform/internal/calls"
	"consult-platform/internal/pricing"
	"consult-platform/internal/wallet"
	"consult-platform/pkg/utils"
)

// billingEnd is the instant billing stops accruing: the start of a pending
// disconnect grace window, otherwise now.
func (o *Orchestrator) billingEnd(s *Session, now time.Time) time.Time {
	if s.disconnectAt != nil && s.disconnectAt.Before(now) {
		return *s.disconnectAt
	}
	return now
}

// activeSeconds is whole seconds of Active time up to end, free allowance included.
func (o *Orchestrator) activeSeconds(s *Session, end time.Time) int64 {
	if s.req.ActiveAt == nil {
		return 0
	}
	d := end.Sub(*s.req.ActiveAt)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

// outstanding returns the elapsed active seconds and what is owed on top of
// what has already been debited. Billing is cumulative so rounding never
// drifts across ticks.
func (o *Orchestrator) outstanding(s *Session, end time.Time) (int64, int64) {
	elapsed := o.activeSeconds(s, end)
	billable := pricing.BillableSeconds(elapsed, int64(s.req.FreeAllowanceSeconds))
	owed := pricing.OwedMinor(billable, s.req.RatePerMinuteMinor)
	return elapsed, owed - s.debitedMinor
}

func retryableLedger(err error) bool {
	return !errors.Is(err, wallet.ErrInsufficientFunds) &&
		!errors.Is(err, wallet.ErrInvalidArgument) &&
		!errors.Is(err, wallet.ErrNotFound)
}

// attemptDebit charges amount against the caller. The idempotency key is the
// next tick sequence, so a retried debit of the same tick is applied once.
func (o *Orchestrator) attemptDebit(s *Session, amount, elapsed int64) error {
	c := s.req
	key := fmt.Sprintf("%s:tick:%d", c.ID, s.tickSeq+1)
	b := utils.Backoff{Base: o.cfg.LedgerBackoff, Max: time.Second}

	var bal wallet.Balance
	err := utils.Retry(o.baseCtx, o.cfg.LedgerRetries, b, retryableLedger, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, o.cfg.OpTimeout)
		defer cancel()
		out, err := o.ledger.Debit(ctx, c.CallerID, wallet.DebitRequest{
			AmountMinor:    amount,
			Currency:       c.Currency,
			ExternalRef:    c.ID,
			IdempotencyKey: key,
			Metadata:       "call usage",
		})
		if err != nil {
			return err
		}
		bal = out
		return nil
	})
	if err != nil {
		return err
	}

	s.tickSeq++
	s.debitedMinor += amount
	s.lastBalance = bal.BalanceMinor
	s.req.TotalChargedMinor = s.debitedMinor
	s.publish()

	ctx, cancel := o.opCtx()
	defer cancel()
	tick := calls.BillingTick{
		SessionID:             c.ID,
		Seq:                   s.tickSeq,
		ElapsedSeconds:        int(elapsed),
		AmountDebitedMinor:    amount,
		RemainingBalanceMinor: bal.BalanceMinor,
		CreatedAt:             o.sched.Now().UTC(),
	}
	if err := o.store.AppendTick(ctx, tick); err != nil {
		o.log.Error("append billing tick failed", "session_id", c.ID, "seq", tick.Seq, "err", err)
	}
	o.obs.Debited(amount)

	o.broadcast(s, calls.Notification{
		Type:   calls.NotifyCreditsUpdated,
		Status: s.status(),
		Data: calls.CreditsData{
			ElapsedSeconds:        int(elapsed),
			RemainingBalanceMinor: bal.BalanceMinor,
			UsedMinor:             s.debitedMinor,
		},
	})
	return nil
}

// insufficientTick records the tick that found the balance exhausted.
func (o *Orchestrator) insufficientTick(s *Session, elapsed int64) {
	ctx, cancel := o.opCtx()
	defer cancel()
	remaining := s.lastBalance
	if b, err := o.ledger.GetBalance(ctx, s.req.CallerID); err == nil {
		remaining = b.BalanceMinor
	}
	s.tickSeq++
	tick := calls.BillingTick{
		SessionID:             s.id,
		Seq:                   s.tickSeq,
		ElapsedSeconds:        int(elapsed),
		RemainingBalanceMinor: remaining,
		Insufficient:          true,
		CreatedAt:             o.sched.Now().UTC(),
	}
	if err := o.store.AppendTick(ctx, tick); err != nil {
		o.log.Error("append billing tick failed", "session_id", s.id, "seq", tick.Seq, "err", err)
	}
}

func (o *Orchestrator) onTick(s *Session) {
	if s.status() != calls.StatusActive {
		return
	}
	started := time.Now()
	now := o.sched.Now()
	o.settle(s, now)
	o.obs.TickObserved(time.Since(started))
	if s.status() == calls.StatusActive && now.Sub(s.req.UpdatedAt) >= o.keepaliveEvery() {
		o.keepalive(s, now)
	}
}

// keepalive refreshes updated_at so no sweeper treats the record as orphaned,
// and renews the caller's lease before it lapses.
func (o *Orchestrator) keepalive(s *Session, now time.Time) {
	s.req.DurationSeconds = int(o.activeSeconds(s, o.billingEnd(s, now)))
	o.persist(s)
	if !s.guardHeld {
		return
	}
	ctx, cancel := o.opCtx()
	defer cancel()
	ok, err := o.guard.Renew(ctx, s.req.CallerID, s.id)
	switch {
	case err != nil:
		o.log.Warn("party guard renew failed", "session_id", s.id, "err", err)
	case !ok:
		// The lease lapsed, typically across a Redis outage. Take it back if free.
		if ok, err = o.guard.Acquire(ctx, s.req.CallerID, s.id); err != nil || !ok {
			o.log.Warn("party guard lost", "session_id", s.id, "party_id", s.req.CallerID, "err", err)
		}
	}
}

// settle announces the end of the free allowance once and debits whatever is
// outstanding. An insufficient balance opens the low-balance grace window.
func (o *Orchestrator) settle(s *Session, now time.Time) {
	end := o.billingEnd(s, now)
	elapsed, due := o.outstanding(s, end)

	free := int64(s.req.FreeAllowanceSeconds)
	if elapsed > free && !s.billingAnnounced {
		s.billingAnnounced = true
		o.broadcast(s, calls.Notification{
			Type:   calls.NotifyBillingStarted,
			Status: s.status(),
			Data: calls.ActiveData{
				FreeAllowanceSeconds: s.req.FreeAllowanceSeconds,
				RatePerMinuteMinor:   s.req.RatePerMinuteMinor,
				Currency:             s.req.Currency,
				BillingStartsAt:      s.req.ActiveAt.Add(time.Duration(free) * time.Second),
			},
		})
	}
	if due <= 0 {
		return
	}

	err := o.attemptDebit(s, due, elapsed)
	switch {
	case err == nil:
		if s.inGrace {
			o.clearGrace(s)
		}
	case errors.Is(err, wallet.ErrInsufficientFunds):
		if !s.lowBalanceWarned {
			s.lowBalanceWarned = true
			_ = o.notify(s.req.CallerID, calls.Notification{
				Type:      calls.NotifyLowBalance,
				SessionID: s.id,
				Status:    s.status(),
				Data:      calls.LowBalanceData{OwedMinor: due, GraceSeconds: int(o.cfg.LowBalanceGrace / time.Second)},
			})
		}
		if !s.inGrace {
			s.inGrace = true
			s.lowBalance = o.sched.AfterFunc(o.cfg.LowBalanceGrace, o.fire(s, cmdLowBalanceDeadline))
			o.log.Warn("balance insufficient, grace window started", "session_id", s.id, "owed_minor", due, "grace", o.cfg.LowBalanceGrace)
		}
	default:
		o.obs.LedgerError("debit")
		o.log.Error("debit failed, amount stays outstanding", "session_id", s.id, "owed_minor", due, "err", err)
	}
}

func (o *Orchestrator) clearGrace(s *Session) {
	s.inGrace = false
	s.lowBalanceWarned = false
	stopTimer(&s.lowBalance)
	o.log.Info("balance recovered", "session_id", s.id)
}

// onLowBalanceDeadline makes the last debit attempt of a grace window.
func (o *Orchestrator) onLowBalanceDeadline(s *Session) {
	if s.status() != calls.StatusActive || !s.inGrace {
		return
	}
	s.lowBalance = nil
	elapsed, due := o.outstanding(s, o.billingEnd(s, o.sched.Now()))
	if due <= 0 {
		o.clearGrace(s)
		return
	}
	err := o.attemptDebit(s, due, elapsed)
	switch {
	case err == nil:
		o.clearGrace(s)
	case errors.Is(err, wallet.ErrInsufficientFunds):
		o.insufficientTick(s, elapsed)
		o.finish(s, evFail, calls.ReasonInsufficientCredits, "")
	default:
		// A ledger outage is not the caller's fault; look again next tick.
		o.obs.LedgerError("debit")
		o.log.Error("final debit failed, extending grace", "session_id", s.id, "err", err)
		s.lowBalance = o.sched.AfterFunc(o.cfg.TickInterval, o.fire(s, cmdLowBalanceDeadline))
	}
}

// flush settles the remainder when an active call ends.
func (o *Orchestrator) flush(s *Session, end time.Time) {
	elapsed, due := o.outstanding(s, end)
	if due <= 0 {
		return
	}
	err := o.attemptDebit(s, due, elapsed)
	switch {
	case err == nil:
	case errors.Is(err, wallet.ErrInsufficientFunds):
		o.insufficientTick(s, elapsed)
		o.log.Warn("call ended with unpaid remainder", "session_id", s.id, "unpaid_minor", due)
	default:
		o.obs.LedgerError("debit")
		o.log.Error("final debit failed", "session_id", s.id, "unpaid_minor", due, "err", err)
	}
}
