package reporting

import (
	"context"
	"errors"
	"sort"
	"time"

	"consult-platform/internal/calls"
	"consult-platform/internal/pricing"
)

var (
	ErrInvalidRequest = errors.New("reporting: invalid request")
	ErrNotFound       = errors.New("reporting: not found")
	ErrForbidden      = errors.New("reporting: not a party of this call")
)

// Repository is the read side of the call store. Reports are derived only
// from call records and the append-only tick log.
type Repository interface {
	Get(ctx context.Context, id string) (calls.CallRequest, error)
	Ticks(ctx context.Context, sessionID string) ([]calls.BillingTick, error)
	ListByParty(ctx context.Context, partyID string, from, to time.Time) ([]calls.CallRequest, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.PartyID == "" {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListByParty(ctx, req.PartyID, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{PartyID: req.PartyID, ByReason: map[calls.Reason]int{}}
	for _, c := range rows {
		out.TotalCalls++
		out.TotalDurationSeconds += c.DurationSeconds
		if c.CallerID == req.PartyID {
			out.TotalChargedMinor += c.TotalChargedMinor
		} else {
			out.TotalEarnedMinor += c.TotalChargedMinor
		}
		if c.Reason != "" {
			out.ByReason[c.Reason]++
		}
		switch c.Status {
		case calls.StatusCompleted:
			out.CompletedCalls++
		case calls.StatusFailed:
			out.FailedCalls++
		case calls.StatusRejected:
			out.RejectedCalls++
		case calls.StatusCancelled:
			out.CancelledCalls++
		case calls.StatusExpired:
			out.ExpiredCalls++
		default:
			out.InProgressCalls++
		}
	}
	if out.TotalCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.TotalCalls
	}
	return out, nil
}

// Invoice rebuilds a call's charge from its tick log. Only the call's parties
// may read it; admins pass an empty partyID.
func (s *Service) Invoice(ctx context.Context, sessionID, partyID string) (Invoice, error) {
	if sessionID == "" {
		return Invoice{}, ErrInvalidRequest
	}
	c, err := s.repo.Get(ctx, sessionID)
	if errors.Is(err, calls.ErrNotFound) {
		return Invoice{}, ErrNotFound
	}
	if err != nil {
		return Invoice{}, err
	}
	if partyID != "" && !c.IsParty(partyID) {
		return Invoice{}, ErrForbidden
	}

	ticks, err := s.repo.Ticks(ctx, sessionID)
	if err != nil {
		return Invoice{}, err
	}
	sort.Slice(ticks, func(i, j int) bool { return ticks[i].Seq < ticks[j].Seq })

	inv := Invoice{
		SessionID:            c.ID,
		CallerID:             c.CallerID,
		CalleeID:             c.CalleeID,
		Status:               c.Status,
		Reason:               c.Reason,
		Currency:             c.Currency,
		RatePerMinuteMinor:   c.RatePerMinuteMinor,
		FreeAllowanceSeconds: c.FreeAllowanceSeconds,
		DurationSeconds:      c.DurationSeconds,
		Lines:                make([]InvoiceLine, 0, len(ticks)),
	}
	for _, t := range ticks {
		inv.ChargedMinor += t.AmountDebitedMinor
		inv.Lines = append(inv.Lines, InvoiceLine{
			Seq:                   t.Seq,
			ElapsedSeconds:        t.ElapsedSeconds,
			AmountMinor:           t.AmountDebitedMinor,
			RemainingBalanceMinor: t.RemainingBalanceMinor,
			Insufficient:          t.Insufficient,
			At:                    t.CreatedAt,
		})
	}

	inv.BillableSeconds = pricing.BillableSeconds(int64(c.DurationSeconds), int64(c.FreeAllowanceSeconds))
	inv.ExpectedMinor = pricing.OwedMinor(inv.BillableSeconds, c.RatePerMinuteMinor)
	if d := inv.ExpectedMinor - inv.ChargedMinor; d > 0 {
		inv.UnpaidMinor = d
	}
	return inv, nil
}
