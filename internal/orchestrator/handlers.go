package orchestrator

import (
	"context"
	"errors"
	"time"

	"consult-platform/internal/calls"
	"consult-platform/internal/media"
	"consult-platform/internal/pricing"
	"consult-platform/internal/timer"
	"consult-platform/internal/wallet"
)

// process runs one command against the session. Only drain calls it, so the
// session is never touched by two goroutines at once.
func (o *Orchestrator) process(s *Session, cmd command) {
	var r result
	switch cmd.kind {
	case cmdStart:
		r = o.onStart(s)
	case cmdAccept:
		r = o.onAccept(s, cmd)
	case cmdReject:
		r = o.onReject(s, cmd)
	case cmdCancel:
		r = o.onCancel(s, cmd)
	case cmdEnd:
		r = o.onEnd(s, cmd)
	case cmdExpire:
		o.onExpire(s)
	case cmdJoined:
		r = o.onJoined(s, cmd)
	case cmdLeft:
		r = o.onLeft(s, cmd)
	case cmdTick:
		o.onTick(s)
	case cmdTopUp:
		r = o.onTopUp(s, cmd)
	case cmdLowBalanceDeadline:
		o.onLowBalanceDeadline(s)
	case cmdDisconnectDeadline:
		o.onDisconnectDeadline(s)
	case cmdJoinTimeout:
		o.onJoinTimeout(s)
	case cmdEvict:
		o.onEvict(s)
	case cmdTerminate:
		r = o.onTerminate(s, cmd)
	}
	if r.call.ID == "" {
		r.call = s.req
	}
	if cmd.reply != nil {
		cmd.reply <- r
	}
}

func (o *Orchestrator) onStart(s *Session) result {
	if s.status() != calls.StatusInitiated {
		return result{err: stale(s.status())}
	}
	c := s.req

	// The notifier knows about live sockets and polling presence; only its
	// offline verdict makes the callee unreachable.
	err := o.notify(c.CalleeID, calls.Notification{
		Type:      calls.NotifyRinging,
		SessionID: c.ID,
		Status:    calls.StatusRinging,
		Data: calls.RingingData{
			CallerID:             c.CallerID,
			ResponseDeadline:     c.ResponseDeadline,
			RatePerMinuteMinor:   c.RatePerMinuteMinor,
			Currency:             c.Currency,
			FreeAllowanceSeconds: c.FreeAllowanceSeconds,
		},
	})
	if errors.Is(err, ErrPartyOffline) {
		o.finish(s, evFail, calls.ReasonCalleeUnreachable, "")
		return result{err: ErrCalleeUnreachable}
	}

	if err := o.transition(s, evRing); err != nil {
		return result{err: err}
	}
	o.persist(s)
	o.registry.setRinging(c.CalleeID, calls.PendingCall{SessionID: c.ID, CallerID: c.CallerID, ResponseDeadline: c.ResponseDeadline})
	o.pushPending(c.CalleeID)
	return result{}
}

// pastDeadline expires a pending session whose deadline has passed and
// reports whether it did. Expiry preempts any command dequeued after it.
func (o *Orchestrator) pastDeadline(s *Session) bool {
	if !s.status().IsPending() || o.sched.Now().Before(s.req.ResponseDeadline) {
		return false
	}
	o.finish(s, evExpire, calls.ReasonNoAnswer, "")
	return true
}

func (o *Orchestrator) onAccept(s *Session, cmd command) result {
	c := s.req
	if cmd.partyID != c.CalleeID {
		return result{err: ErrNotParticipant}
	}
	if o.pastDeadline(s) {
		return result{err: &StaleRequestError{Status: s.status(), Cause: ErrDeadlineExpired}}
	}
	if s.status() != calls.StatusRinging {
		return result{err: stale(s.status())}
	}
	if !o.registry.ClaimCallee(c.CalleeID, c.ID) {
		return result{err: ErrCalleeBusy}
	}

	callerCred, calleeCred, err := o.credentials(c)
	if err != nil {
		o.log.Error("room credential failed", "session_id", c.ID, "err", err)
		o.registry.releaseCallee(c.CalleeID, c.ID)
		o.finish(s, evFail, calls.ReasonTransportUnavailable, err.Error())
		return result{err: ErrTransportUnavailable}
	}

	o.reserveAllowance(s)

	if err := o.transition(s, evAccept); err != nil {
		o.registry.releaseCallee(c.CalleeID, c.ID)
		return result{err: err}
	}
	now := o.sched.Now().UTC()
	s.req.AcceptedAt = &now
	s.req.TransportRoomName = calleeCred.Room
	s.req.CallerToken = callerCred.Token
	s.req.CalleeToken = calleeCred.Token
	stopTimer(&s.deadline)
	s.joinTimer = o.sched.AfterFunc(o.cfg.JoinTimeout, o.fire(s, cmdJoinTimeout))
	o.persist(s)

	if o.registry.clearRinging(c.CalleeID, c.ID) {
		o.pushPending(c.CalleeID)
	}
	for _, p := range []struct {
		id   string
		cred media.Credential
	}{{c.CallerID, callerCred}, {c.CalleeID, calleeCred}} {
		_ = o.notify(p.id, calls.Notification{
			Type:      calls.NotifyAccepted,
			SessionID: c.ID,
			Status:    calls.StatusAccepted,
			Data:      calls.CredentialData{Room: p.cred.Room, Token: p.cred.Token, URL: p.cred.URL, ExpiresAt: p.cred.ExpiresAt},
		})
	}
	return result{cred: &calleeCred}
}

func (o *Orchestrator) credentials(c calls.CallRequest) (media.Credential, media.Credential, error) {
	ctx, cancel := context.WithTimeout(o.baseCtx, o.cfg.OpTimeout*2)
	defer cancel()
	callerCred, err := o.gateway.CreateRoomCredential(ctx, c.ID, c.CallerID)
	if err != nil {
		return media.Credential{}, media.Credential{}, err
	}
	calleeCred, err := o.gateway.CreateRoomCredential(ctx, c.ID, c.CalleeID)
	if err != nil {
		return media.Credential{}, media.Credential{}, err
	}
	return callerCred, calleeCred, nil
}

// reserveAllowance holds the free allowance's worth of credit. A failed hold
// does not block the call; billing is enforced per tick.
func (o *Orchestrator) reserveAllowance(s *Session) {
	c := s.req
	amount := pricing.OwedMinor(int64(c.FreeAllowanceSeconds), c.RatePerMinuteMinor)
	if amount <= 0 {
		return
	}
	ctx, cancel := o.opCtx()
	defer cancel()
	res, err := o.ledger.Reserve(ctx, c.CallerID, wallet.ReserveRequest{AmountMinor: amount, Currency: c.Currency, ExternalRef: c.ID})
	if err != nil {
		o.log.Warn("free allowance reservation failed", "session_id", c.ID, "amount_minor", amount, "err", err)
		return
	}
	s.reservationID = res.ID
}

func (o *Orchestrator) onReject(s *Session, cmd command) result {
	if cmd.partyID != s.req.CalleeID {
		return result{err: ErrNotParticipant}
	}
	if o.pastDeadline(s) {
		return result{err: &StaleRequestError{Status: s.status(), Cause: ErrDeadlineExpired}}
	}
	if !s.status().IsPending() {
		return result{err: stale(s.status())}
	}
	o.finish(s, evReject, calls.ReasonRejected, cmd.detail)
	return result{}
}

func (o *Orchestrator) onCancel(s *Session, cmd command) result {
	if cmd.partyID != s.req.CallerID {
		return result{err: ErrNotParticipant}
	}
	switch st := s.status(); {
	case st == calls.StatusCancelled:
		return result{}
	case st.IsPending():
		if o.pastDeadline(s) {
			return result{err: stale(s.status())}
		}
		o.finish(s, evCancel, calls.ReasonCancelled, "")
		return result{}
	default:
		return result{err: stale(st)}
	}
}

func (o *Orchestrator) onEnd(s *Session, cmd command) result {
	c := s.req
	switch st := s.status(); {
	case st.IsTerminal():
		return result{}
	case st.IsPending():
		if o.pastDeadline(s) {
			return result{}
		}
		if cmd.partyID == c.CallerID {
			o.finish(s, evCancel, calls.ReasonCancelled, cmd.detail)
		} else {
			o.finish(s, evReject, calls.ReasonRejected, cmd.detail)
		}
		return result{}
	default:
		reason := calls.ReasonEndedByCaller
		if cmd.partyID == c.CalleeID {
			reason = calls.ReasonEndedByCallee
		}
		o.finish(s, evComplete, reason, cmd.detail)
		return result{}
	}
}

// onTerminate ends the session on an operator's behalf whatever its stage.
func (o *Orchestrator) onTerminate(s *Session, cmd command) result {
	switch st := s.status(); {
	case st.IsTerminal():
		return result{}
	case st.IsPending():
		o.finish(s, evCancel, calls.ReasonTerminatedByAdmin, cmd.detail)
	default:
		o.finish(s, evComplete, calls.ReasonTerminatedByAdmin, cmd.detail)
	}
	o.log.Info("call terminated by operator", "session_id", s.req.ID, "actor_id", cmd.partyID)
	return result{}
}

func (o *Orchestrator) onExpire(s *Session) {
	if s.status().IsPending() {
		o.finish(s, evExpire, calls.ReasonNoAnswer, "")
	}
}

func (o *Orchestrator) onJoined(s *Session, cmd command) result {
	st := s.status()
	if st.IsTerminal() {
		return result{err: stale(st)}
	}
	if !st.IsEngaged() {
		return result{err: ErrSessionNotPending}
	}
	s.joined[cmd.partyID] = true
	if !s.bothJoined() {
		return result{}
	}

	if st == calls.StatusActive {
		if s.disconnectAt != nil {
			s.disconnectAt = nil
			stopTimer(&s.disconnect)
			o.log.Info("party rejoined", "session_id", s.id, "party_id", cmd.partyID)
		}
		return result{}
	}

	if err := o.transition(s, evActivate); err != nil {
		return result{err: err}
	}
	now := o.sched.Now().UTC()
	s.req.ActiveAt = &now
	stopTimer(&s.joinTimer)
	s.ticker = o.sched.Every(o.cfg.TickInterval, o.fire(s, cmdTick))
	o.persist(s)

	data := calls.ActiveData{
		FreeAllowanceSeconds: s.req.FreeAllowanceSeconds,
		RatePerMinuteMinor:   s.req.RatePerMinuteMinor,
		Currency:             s.req.Currency,
		BillingStartsAt:      now.Add(time.Duration(s.req.FreeAllowanceSeconds) * time.Second),
	}
	o.broadcast(s, calls.Notification{Type: calls.NotifyActive, Status: calls.StatusActive, Data: data})
	return result{}
}

func (o *Orchestrator) onLeft(s *Session, cmd command) result {
	st := s.status()
	if st.IsTerminal() {
		return result{err: stale(st)}
	}
	s.joined[cmd.partyID] = false
	if st != calls.StatusActive || s.disconnectAt != nil {
		return result{}
	}
	now := o.sched.Now().UTC()
	s.disconnectAt = &now
	s.disconnect = o.sched.AfterFunc(o.cfg.DisconnectGrace, o.fire(s, cmdDisconnectDeadline))
	o.log.Info("party left, grace window started", "session_id", s.id, "party_id", cmd.partyID, "grace", o.cfg.DisconnectGrace)
	return result{}
}

func (o *Orchestrator) onDisconnectDeadline(s *Session) {
	if s.status() == calls.StatusActive && s.disconnectAt != nil {
		o.finish(s, evComplete, calls.ReasonPartyDisconnected, "")
	}
}

func (o *Orchestrator) onJoinTimeout(s *Session) {
	if s.status() == calls.StatusAccepted {
		o.finish(s, evFail, calls.ReasonJoinTimeout, "")
	}
}

func (o *Orchestrator) onEvict(s *Session) {
	s.stopTimers()
	s.evict = nil
	o.registry.Remove(s.id)
	s.mu.Lock()
	s.evicted = true
	s.mu.Unlock()
}

func (o *Orchestrator) onTopUp(s *Session, cmd command) result {
	if cmd.partyID != s.req.CallerID {
		return result{err: ErrNotParticipant}
	}
	if s.status() == calls.StatusActive {
		o.settle(s, o.sched.Now())
	}
	return result{}
}

/* ===================== TERMINAL ===================== */

// finish moves the session to a terminal state and releases everything it
// holds. It is the only path into a terminal state.
func (o *Orchestrator) finish(s *Session, event string, reason calls.Reason, detail string) {
	wasEngaged := s.status().IsEngaged()
	wasActive := s.status() == calls.StatusActive
	now := o.sched.Now().UTC()

	// Final flush before the state changes; an insufficient-funds failure
	// has already made its last attempt.
	if wasActive && reason != calls.ReasonInsufficientCredits {
		o.flush(s, o.billingEnd(s, now))
	}

	if err := o.transition(s, event); err != nil {
		return
	}
	s.stopTimers()

	c := &s.req
	c.Reason = reason
	c.ReasonDetail = detail
	c.EndedAt = &now
	if c.ActiveAt != nil {
		c.DurationSeconds = int(o.activeSeconds(s, o.billingEnd(s, now)))
	}
	c.TotalChargedMinor = s.debitedMinor
	o.persist(s)

	ctx, cancel := o.opCtx()
	defer cancel()

	if s.reservationID != "" {
		if err := o.ledger.Release(ctx, s.reservationID); err != nil {
			o.obs.LedgerError("release")
			o.log.Warn("reservation release failed", "session_id", s.id, "err", err)
		}
	}
	if s.guardHeld {
		if err := o.guard.Release(ctx, c.CallerID, c.ID); err != nil {
			o.log.Warn("party guard release failed", "session_id", s.id, "err", err)
		}
		s.guardHeld = false
	}
	if wasEngaged && c.TransportRoomName != "" {
		if err := o.gateway.CloseRoom(ctx, c.TransportRoomName); err != nil {
			o.log.Warn("room close failed", "session_id", s.id, "room", c.TransportRoomName, "err", err)
		}
	}

	wasRinging := o.registry.clearRinging(c.CalleeID, c.ID)
	o.registry.release(*c)
	if wasRinging {
		o.pushPending(c.CalleeID)
	}

	o.broadcast(s, calls.Notification{
		Type:    calls.TerminalNotification(c.Status),
		Status:  c.Status,
		Reason:  reason,
		Message: reason.Message(),
		Data: calls.SummaryData{
			DurationSeconds:   c.DurationSeconds,
			TotalChargedMinor: c.TotalChargedMinor,
			Currency:          c.Currency,
			ReasonDetail:      detail,
		},
	})

	if o.audit != nil {
		if err := o.audit.RecordOutcome(ctx, *c); err != nil {
			o.log.Warn("audit outcome failed", "session_id", s.id, "err", err)
		}
	}
	o.obs.Finished(*c)
	o.log.Info("call finished",
		"session_id", c.ID,
		"status", c.Status,
		"reason", reason,
		"duration_seconds", c.DurationSeconds,
		"total_charged_minor", c.TotalChargedMinor,
	)

	s.evict = o.sched.AfterFunc(o.cfg.EvictionGrace, o.fire(s, cmdEvict))
}

/* ===================== HELPERS ===================== */

func (o *Orchestrator) transition(s *Session, event string) error {
	from := s.status()
	if err := s.lifecycle.Event(o.baseCtx, event); err != nil {
		o.log.Error("invalid transition", "session_id", s.id, "from", from, "event", event, "err", err)
		return stale(from)
	}
	s.req.Status = calls.Status(s.lifecycle.Current())
	s.req.UpdatedAt = o.sched.Now().UTC()
	s.publish()
	return nil
}

// persist writes the current record. The in-memory machine stays
// authoritative if the write fails; the sweeper reconciles later.
func (o *Orchestrator) persist(s *Session) {
	s.req.UpdatedAt = o.sched.Now().UTC()
	s.publish()
	ctx, cancel := o.opCtx()
	defer cancel()
	if err := o.store.Save(ctx, s.req); err != nil {
		o.log.Error("persist call request failed", "session_id", s.id, "status", s.req.Status, "err", err)
	}
}

func (o *Orchestrator) notify(partyID string, n calls.Notification) error {
	if n.At.IsZero() {
		n.At = o.sched.Now().UTC()
	}
	ctx, cancel := o.opCtx()
	defer cancel()
	err := o.notifier.Notify(ctx, partyID, n)
	if err != nil && !errors.Is(err, ErrPartyOffline) {
		o.log.Warn("notify failed", "party_id", partyID, "type", n.Type, "err", err)
	}
	return err
}

// broadcast sends to both parties of the session.
func (o *Orchestrator) broadcast(s *Session, n calls.Notification) {
	n.SessionID = s.id
	_ = o.notify(s.req.CallerID, n)
	_ = o.notify(s.req.CalleeID, n)
}

func (o *Orchestrator) pushPending(calleeID string) {
	list := o.registry.Pending(calleeID)
	_ = o.notify(calleeID, calls.Notification{
		Type: calls.NotifyPendingCalls,
		Data: calls.PendingData{Count: len(list), Calls: list},
	})
}

func stopTimer(t *timer.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
