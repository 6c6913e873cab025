package orchestrator

import (
	"context"
	"errors"
	"time"

	"consult-platform/internal/calls"
	"consult-platform/internal/pricing"
	"consult-platform/internal/wallet"
)

const sweepBatch = 100

// Sweep catches deadlines whose timers were lost and closes records that no
// live session owns, such as those left by a previous process.
func (o *Orchestrator) Sweep(ctx context.Context) {
	now := o.sched.Now()
	buf := o.cfg.SweepBuffer

	for _, s := range o.registry.sessionList() {
		c := s.Snapshot()
		switch {
		case c.Status.IsPending() && now.After(c.ResponseDeadline.Add(buf)):
			_ = o.enqueue(s, command{kind: cmdExpire})
		case c.Status == calls.StatusAccepted && c.AcceptedAt != nil && now.After(c.AcceptedAt.Add(o.cfg.JoinTimeout+buf)):
			_ = o.enqueue(s, command{kind: cmdJoinTimeout})
		case c.Status.IsTerminal() && c.EndedAt != nil && now.After(c.EndedAt.Add(o.cfg.EvictionGrace+buf)):
			_ = o.enqueue(s, command{kind: cmdEvict})
		}
	}

	stale, err := o.store.ListStalePending(ctx, now.Add(-buf), sweepBatch)
	if err != nil {
		o.log.Error("sweep: list stale pending failed", "err", err)
	} else {
		for _, c := range stale {
			if _, live := o.registry.Get(c.ID); live {
				continue
			}
			o.expireOrphan(ctx, c, now)
		}
	}

	engaged, err := o.store.ListStaleEngaged(ctx, now.Add(-o.cfg.OrphanAfter), sweepBatch)
	if err != nil {
		o.log.Error("sweep: list stale engaged failed", "err", err)
		return
	}
	for _, c := range engaged {
		if _, live := o.registry.Get(c.ID); live {
			continue
		}
		o.closeEngagedOrphan(ctx, c, now)
	}
}

// expireOrphan closes a persisted pending record no session machine owns.
func (o *Orchestrator) expireOrphan(ctx context.Context, c calls.CallRequest, now time.Time) {
	ended := now.UTC()
	c.Status = calls.StatusExpired
	c.Reason = calls.ReasonNoAnswer
	c.EndedAt = &ended
	c.UpdatedAt = ended
	o.closeOrphan(ctx, c)
}

// closeEngagedOrphan ends an accepted or active record whose owner stopped
// refreshing it. Accepted calls never connected and fail; active calls
// complete and are billed up to the last sign of life.
func (o *Orchestrator) closeEngagedOrphan(ctx context.Context, c calls.CallRequest, now time.Time) {
	cur, err := o.store.Get(ctx, c.ID)
	if err != nil {
		o.log.Error("sweep: reload orphan failed", "session_id", c.ID, "err", err)
		return
	}
	if !cur.Status.IsEngaged() || cur.UpdatedAt.After(c.UpdatedAt) {
		return
	}
	c = cur

	lastSeen := c.UpdatedAt
	if c.Status == calls.StatusActive {
		c.Status = calls.StatusCompleted
		lastSeen = o.settleOrphan(ctx, &c)
	} else {
		c.Status = calls.StatusFailed
	}
	ended := lastSeen.UTC()
	c.Reason = calls.ReasonServiceInterrupted
	c.EndedAt = &ended
	c.UpdatedAt = now.UTC()
	o.closeOrphan(ctx, c)
}

// settleOrphan charges what the tick log shows is still owed for an orphaned
// active call and returns the last instant the call was known to be running.
func (o *Orchestrator) settleOrphan(ctx context.Context, c *calls.CallRequest) time.Time {
	lastSeen := c.UpdatedAt
	ticks, err := o.store.Ticks(ctx, c.ID)
	if err != nil {
		// Without the log a debit could double charge; keep what was persisted.
		o.log.Error("sweep: read tick log failed", "session_id", c.ID, "err", err)
		return lastSeen
	}

	var debited int64
	elapsed, seq := c.DurationSeconds, 0
	for _, t := range ticks {
		debited += t.AmountDebitedMinor
		elapsed = max(elapsed, t.ElapsedSeconds)
		seq = max(seq, t.Seq)
		if t.CreatedAt.After(lastSeen) {
			lastSeen = t.CreatedAt
		}
	}
	if c.ActiveAt != nil {
		elapsed = max(elapsed, int(lastSeen.Sub(*c.ActiveAt)/time.Second))
	}

	billable := pricing.BillableSeconds(int64(elapsed), int64(c.FreeAllowanceSeconds))
	due := pricing.OwedMinor(billable, c.RatePerMinuteMinor) - debited
	if due > 0 {
		bal, err := o.ledger.Debit(ctx, c.CallerID, wallet.DebitRequest{
			AmountMinor:    due,
			Currency:       c.Currency,
			ExternalRef:    c.ID,
			IdempotencyKey: c.ID + ":settle",
			Metadata:       "call usage",
		})
		switch {
		case err == nil:
			debited += due
			o.obs.Debited(due)
			tick := calls.BillingTick{
				SessionID:             c.ID,
				Seq:                   seq + 1,
				ElapsedSeconds:        elapsed,
				AmountDebitedMinor:    due,
				RemainingBalanceMinor: bal.BalanceMinor,
				CreatedAt:             o.sched.Now().UTC(),
			}
			if err := o.store.AppendTick(ctx, tick); err != nil {
				o.log.Error("append billing tick failed", "session_id", c.ID, "seq", tick.Seq, "err", err)
			}
		case errors.Is(err, wallet.ErrInsufficientFunds):
			o.log.Warn("orphaned call closed with unpaid remainder", "session_id", c.ID, "unpaid_minor", due)
		default:
			o.obs.LedgerError("debit")
			o.log.Error("orphan settlement debit failed", "session_id", c.ID, "unpaid_minor", due, "err", err)
		}
	}

	c.DurationSeconds = elapsed
	c.TotalChargedMinor = debited
	return lastSeen
}

// closeOrphan persists a terminal orphan and releases what its owner held.
func (o *Orchestrator) closeOrphan(ctx context.Context, c calls.CallRequest) {
	if err := o.store.Save(ctx, c); err != nil {
		o.log.Error("sweep: close orphan failed", "session_id", c.ID, "err", err)
		return
	}
	if err := o.guard.Release(ctx, c.CallerID, c.ID); err != nil {
		o.log.Warn("party guard release failed", "session_id", c.ID, "err", err)
	}
	if c.TransportRoomName != "" {
		if err := o.gateway.CloseRoom(ctx, c.TransportRoomName); err != nil {
			o.log.Warn("room close failed", "session_id", c.ID, "room", c.TransportRoomName, "err", err)
		}
	}
	if o.audit != nil {
		if err := o.audit.RecordOutcome(ctx, c); err != nil {
			o.log.Warn("audit outcome failed", "session_id", c.ID, "err", err)
		}
	}
	o.obs.Finished(c)
	o.log.Info("call finished",
		"session_id", c.ID,
		"status", c.Status,
		"reason", c.Reason,
		"duration_seconds", c.DurationSeconds,
		"total_charged_minor", c.TotalChargedMinor,
		"orphan", true,
	)

	n := calls.Notification{
		Type:      calls.TerminalNotification(c.Status),
		SessionID: c.ID,
		Status:    c.Status,
		Reason:    c.Reason,
		Message:   c.Reason.Message(),
		At:        o.sched.Now().UTC(),
		Data: calls.SummaryData{
			DurationSeconds:   c.DurationSeconds,
			TotalChargedMinor: c.TotalChargedMinor,
			Currency:          c.Currency,
		},
	}
	_ = o.notify(c.CallerID, n)
	_ = o.notify(c.CalleeID, n)
}
