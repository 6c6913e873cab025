package media

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"consult-platform/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

// joinClaims is the slice of a LiveKit access token the tests inspect.
type joinClaims struct {
	jwt.RegisteredClaims
	Name  string `json:"name"`
	Video struct {
		Room         string `json:"room"`
		RoomJoin     bool   `json:"roomJoin"`
		CanPublish   *bool  `json:"canPublish"`
		CanSubscribe *bool  `json:"canSubscribe"`
	} `json:"video"`
}

func newTestGateway(t *testing.T, url string) *TokenGateway {
	t.Helper()
	g, err := NewTokenGateway(config.MediaConfig{URL: url, APIKey: "key", APISecret: "secret", TokenTTL: time.Hour, Timeout: time.Second})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	return g
}

func TestNewTokenGateway_RequiresCredentials(t *testing.T) {
	if _, err := NewTokenGateway(config.MediaConfig{}); err == nil {
		t.Fatalf("expected error without credentials")
	}
}

func TestCreateRoomCredential_SignsRoomGrant(t *testing.T) {
	g := newTestGateway(t, "wss://media.example.com")
	cred, err := g.CreateRoomCredential(context.Background(), "s1", "u1")
	if err != nil {
		t.Fatalf("credential: %v", err)
	}
	if cred.Room != "call-s1" || cred.URL != "wss://media.example.com" {
		t.Fatalf("unexpected credential %+v", cred)
	}

	var claims joinClaims
	_, err = jwt.ParseWithClaims(cred.Token, &claims, func(*jwt.Token) (any, error) { return []byte("secret"), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Issuer != "key" || claims.Subject != "u1" || claims.Name != "u1" {
		t.Fatalf("unexpected claims %+v", claims.RegisteredClaims)
	}
	if claims.Video.Room != "call-s1" || !claims.Video.RoomJoin {
		t.Fatalf("unexpected grant %+v", claims.Video)
	}
	if claims.Video.CanPublish == nil || !*claims.Video.CanPublish {
		t.Fatalf("expected publish permission")
	}
	if claims.ExpiresAt == nil || claims.ExpiresAt.Time.Before(time.Now().Add(50*time.Minute)) {
		t.Fatalf("expected token valid for the configured ttl, got %v", claims.ExpiresAt)
	}
}

func TestCreateRoomCredential_RejectsMissingParty(t *testing.T) {
	g := newTestGateway(t, "")
	if _, err := g.CreateRoomCredential(context.Background(), "s1", ""); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejected, got %v", err)
	}
}

func TestCloseRoom_WithoutURLIsNoop(t *testing.T) {
	if err := newTestGateway(t, "").CloseRoom(context.Background(), "call-s1"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestCloseRoom_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"deleted", http.StatusOK, "", nil},
		{"already gone", http.StatusNotFound, `{"code":"not_found","msg":"room not found"}`, nil},
		{"server down", http.StatusServiceUnavailable, `{"code":"unavailable","msg":"try later"}`, ErrUnavailable},
		{"bad key", http.StatusUnauthorized, `{"code":"unauthenticated","msg":"invalid token"}`, ErrRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var gotPath, gotAuth string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				gotAuth = r.Header.Get("Authorization")
				if tc.status == http.StatusOK {
					w.Header().Set("Content-Type", "application/protobuf")
					w.WriteHeader(http.StatusOK)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			err := newTestGateway(t, srv.URL).CloseRoom(context.Background(), "call-s1")
			if tc.want == nil && err != nil {
				t.Fatalf("expected nil, got %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if gotPath != "/twirp/livekit.RoomService/DeleteRoom" || gotAuth == "" {
				t.Fatalf("unexpected request path=%q auth=%q", gotPath, gotAuth)
			}
		})
	}
}

func TestCloseRoom_UnreachableServerIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := newTestGateway(t, url).CloseRoom(context.Background(), "call-s1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestRoomNameRoundTrip(t *testing.T) {
	id, ok := SessionFromRoom(RoomName("abc"))
	if !ok || id != "abc" {
		t.Fatalf("expected abc, got %q", id)
	}
	if _, ok := SessionFromRoom("lobby"); ok {
		t.Fatalf("expected foreign room to be ignored")
	}
}
