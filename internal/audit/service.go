package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"consult-platform/internal/calls"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It is append-only: there is no Update or Delete.
type Repository interface {
	Append(ctx context.Context, e Event) error
	ListByParty(ctx context.Context, partyID string, limit int) ([]Event, error)
}

// Service records internal audit information. Callers treat it as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.PartyID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

type outcomeMeta struct {
	CalleeID          string       `json:"callee_id"`
	Status            calls.Status `json:"status"`
	Reason            calls.Reason `json:"reason,omitempty"`
	DurationSeconds   int          `json:"duration_seconds"`
	TotalChargedMinor int64        `json:"total_charged_minor"`
	Currency          string       `json:"currency"`
}

// RecordOutcome logs a call's terminal state against the caller, who is the
// billed party.
func (s *Service) RecordOutcome(ctx context.Context, c calls.CallRequest) error {
	if !c.Status.IsTerminal() {
		return fmt.Errorf("%w: call %s is %s", ErrInvalidEvent, c.ID, c.Status)
	}
	meta, err := json.Marshal(outcomeMeta{
		CalleeID:          c.CalleeID,
		Status:            c.Status,
		Reason:            c.Reason,
		DurationSeconds:   c.DurationSeconds,
		TotalChargedMinor: c.TotalChargedMinor,
		Currency:          c.Currency,
	})
	if err != nil {
		return err
	}
	return s.Append(ctx, Event{
		PartyID:   c.CallerID,
		Type:      EventTypeCallOutcome,
		SessionID: c.ID,
		Message:   c.Reason.Message(),
		Metadata:  string(meta),
	})
}

// LogTopUp records an admin credit to a party's wallet.
func (s *Service) LogTopUp(ctx context.Context, partyID, actorID, actorRole, ip string, amountMinor int64, currency, idempotencyKey string) error {
	meta, err := json.Marshal(map[string]any{
		"amount_minor":    amountMinor,
		"currency":        currency,
		"idempotency_key": idempotencyKey,
	})
	if err != nil {
		return err
	}
	return s.Append(ctx, Event{
		PartyID:   partyID,
		Type:      EventTypeTopUp,
		ActorID:   actorID,
		ActorRole: actorRole,
		IPAddress: ip,
		Message:   "wallet credited",
		Metadata:  string(meta),
	})
}

// LogAdminAction records an operator intervention on a call. The event is filed
// under the caller so it shows next to the call's outcome.
func (s *Service) LogAdminAction(ctx context.Context, c calls.CallRequest, actorID, actorRole, ip, action string) error {
	return s.Append(ctx, Event{
		PartyID:   c.CallerID,
		Type:      EventTypeAdminAction,
		ActorID:   actorID,
		ActorRole: actorRole,
		IPAddress: ip,
		SessionID: c.ID,
		Message:   action,
	})
}

// Recent returns the newest events about a party.
func (s *Service) Recent(ctx context.Context, partyID string, limit int) ([]Event, error) {
	if partyID == "" {
		return nil, ErrInvalidEvent
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListByParty(ctx, partyID, limit)
}
