package media

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"consult-platform/pkg/utils"
)

// Retrying bounds every gateway call with a timeout and retries transient
// failures with exponential backoff. ErrRejected is returned immediately.
type Retrying struct {
	Next    Gateway
	Timeout time.Duration
	Retries int
	Backoff time.Duration
	Log     *slog.Logger

	// OnError is called once per failed attempt (metrics hook).
	OnError func(op string)
}

func (r *Retrying) CreateRoomCredential(ctx context.Context, sessionID, partyID string) (Credential, error) {
	var out Credential
	err := r.do(ctx, "create_credential", func(ctx context.Context) error {
		c, err := r.Next.CreateRoomCredential(ctx, sessionID, partyID)
		if err == nil {
			out = c
		}
		return err
	})
	return out, err
}

func (r *Retrying) CloseRoom(ctx context.Context, room string) error {
	return r.do(ctx, "close_room", func(ctx context.Context) error {
		return r.Next.CloseRoom(ctx, room)
	})
}

func (r *Retrying) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	log := r.Log
	if log == nil {
		log = slog.Default()
	}
	b := utils.Backoff{Base: r.Backoff, Max: 2 * time.Second}
	attempts := r.Retries + 1

	attempt := 0
	err := utils.Retry(ctx, attempts, b, retryable, func(ctx context.Context) error {
		attempt++
		actx, cancel := r.attemptContext(ctx)
		defer cancel()
		err := fn(actx)
		if err != nil {
			if r.OnError != nil {
				r.OnError(op)
			}
			log.Warn("media gateway call failed", "op", op, "attempt", attempt, "err", err)
		}
		return err
	})
	if err != nil && !errors.Is(err, ErrRejected) && !errors.Is(err, ErrUnavailable) {
		err = errors.Join(ErrUnavailable, err)
	}
	return err
}

func (r *Retrying) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.Timeout)
}

func retryable(err error) bool {
	return !errors.Is(err, ErrRejected)
}
