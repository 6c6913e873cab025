package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"consult-platform/internal/config"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/twitchtv/twirp"
)

// TokenGateway signs room join tokens locally and calls the LiveKit room
// service only to tear rooms down.
type TokenGateway struct {
	url       string
	apiKey    string
	apiSecret string
	ttl       time.Duration
	timeout   time.Duration
	rooms     *lksdk.RoomServiceClient
	now       func() time.Time
}

func NewTokenGateway(cfg config.MediaConfig) (*TokenGateway, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("MEDIA_API_KEY and MEDIA_API_SECRET are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	g := &TokenGateway{
		url:       cfg.URL,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		ttl:       cfg.TokenTTL,
		timeout:   timeout,
		now:       time.Now,
	}
	if cfg.URL != "" {
		g.rooms = lksdk.NewRoomServiceClient(cfg.URL, cfg.APIKey, cfg.APISecret)
	}
	return g, nil
}

func (g *TokenGateway) CreateRoomCredential(ctx context.Context, sessionID, partyID string) (Credential, error) {
	if sessionID == "" || partyID == "" {
		return Credential{}, fmt.Errorf("%w: session and party required", ErrRejected)
	}
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}

	room := RoomName(sessionID)
	yes := true
	tok, err := auth.NewAccessToken(g.apiKey, g.apiSecret).
		SetIdentity(partyID).
		SetName(partyID).
		SetValidFor(g.ttl).
		SetVideoGrant(&auth.VideoGrant{Room: room, RoomJoin: true, CanPublish: &yes, CanSubscribe: &yes}).
		ToJWT()
	if err != nil {
		return Credential{}, fmt.Errorf("%w: sign access token: %v", ErrRejected, err)
	}
	return Credential{Room: room, Token: tok, URL: g.url, ExpiresAt: g.now().Add(g.ttl)}, nil
}

// CloseRoom calls RoomService.DeleteRoom. A missing room counts as already closed.
func (g *TokenGateway) CloseRoom(ctx context.Context, room string) error {
	if g.rooms == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	_, err := g.rooms.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: room})
	return classifyRoomError(err)
}

// classifyRoomError maps room service failures onto ErrUnavailable/ErrRejected.
func classifyRoomError(err error) error {
	if err == nil {
		return nil
	}
	var te twirp.Error
	if !errors.As(err, &te) {
		return fmt.Errorf("%w: delete room: %v", ErrUnavailable, err)
	}
	switch te.Code() {
	case twirp.NotFound:
		return nil
	case twirp.Unavailable, twirp.Internal, twirp.DeadlineExceeded, twirp.Canceled,
		twirp.ResourceExhausted, twirp.Unknown, twirp.Aborted:
		return fmt.Errorf("%w: delete room: %s", ErrUnavailable, te.Msg())
	default:
		return fmt.Errorf("%w: delete room %s: %s", ErrRejected, te.Code(), te.Msg())
	}
}
