// Package presence answers "is this party reachable right now" from one TTL
// cache, refreshed by websocket connects and pings and by HTTP heartbeats.
package presence

import (
	"context"
	"errors"
	"sort"
	"time"
)

// Connection is one live channel of a party.
type Connection struct {
	ID         string    `json:"connection_id"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Presence is the rebuilt view of a party's connections.
type Presence struct {
	PartyID     string       `json:"party_id"`
	Role        string       `json:"party_role"`
	Connections []Connection `json:"connections"`
	LastSeenAt  time.Time    `json:"last_seen_at"`
}

// Online reports whether any connection is still fresh.
func (p Presence) Online() bool { return len(p.Connections) > 0 }

// Cache is the single source of truth for reachability.
type Cache interface {
	// Touch records activity on a connection.
	Touch(ctx context.Context, partyID, role, connectionID string) error
	// Drop forgets a connection (clean websocket close).
	Drop(ctx context.Context, partyID, connectionID string) error
	Reachable(ctx context.Context, partyID string) (bool, error)
	Get(ctx context.Context, partyID string) (Presence, error)
}

var ErrInvalidArgument = errors.New("presence: invalid argument")

// PollConnectionID is the connection id used by HTTP heartbeat polls.
const PollConnectionID = "poll"

func validate(partyID, connectionID string) error {
	if partyID == "" || connectionID == "" {
		return ErrInvalidArgument
	}
	return nil
}

// build keeps connections seen within ttl, newest first.
func build(partyID, role string, seen map[string]time.Time, now time.Time, ttl time.Duration) Presence {
	p := Presence{PartyID: partyID, Role: role}
	cutoff := now.Add(-ttl)
	for id, at := range seen {
		if at.Before(cutoff) {
			continue
		}
		p.Connections = append(p.Connections, Connection{ID: id, LastSeenAt: at})
		if at.After(p.LastSeenAt) {
			p.LastSeenAt = at
		}
	}
	sort.Slice(p.Connections, func(i, j int) bool {
		return p.Connections[i].LastSeenAt.After(p.Connections[j].LastSeenAt)
	})
	return p
}
