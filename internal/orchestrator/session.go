package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	"consult-platform/internal/calls"
	"consult-platform/internal/media"
	"consult-platform/internal/timer"

	"github.com/looplab/fsm"
)

// Lifecycle events. The table in newLifecycle is the only place transitions
// are defined; terminal states have no outgoing events.
const (
	evRing     = "ring"
	evAccept   = "accept"
	evReject   = "reject"
	evCancel   = "cancel"
	evExpire   = "expire"
	evActivate = "activate"
	evComplete = "complete"
	evFail     = "fail"
)

func newLifecycle(initial calls.Status) *fsm.FSM {
	var (
		initiated = string(calls.StatusInitiated)
		ringing   = string(calls.StatusRinging)
		accepted  = string(calls.StatusAccepted)
		active    = string(calls.StatusActive)
	)
	return fsm.NewFSM(
		string(initial),
		fsm.Events{
			{Name: evRing, Src: []string{initiated}, Dst: ringing},
			{Name: evAccept, Src: []string{ringing}, Dst: accepted},
			{Name: evReject, Src: []string{initiated, ringing}, Dst: string(calls.StatusRejected)},
			{Name: evCancel, Src: []string{initiated, ringing}, Dst: string(calls.StatusCancelled)},
			{Name: evExpire, Src: []string{initiated, ringing}, Dst: string(calls.StatusExpired)},
			{Name: evActivate, Src: []string{accepted}, Dst: active},
			{Name: evComplete, Src: []string{accepted, active}, Dst: string(calls.StatusCompleted)},
			{Name: evFail, Src: []string{initiated, ringing, accepted, active}, Dst: string(calls.StatusFailed)},
		},
		fsm.Callbacks{},
	)
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdAccept
	cmdReject
	cmdCancel
	cmdEnd
	cmdExpire
	cmdJoined
	cmdLeft
	cmdTick
	cmdTopUp
	cmdLowBalanceDeadline
	cmdDisconnectDeadline
	cmdJoinTimeout
	cmdEvict
	cmdTerminate
)

var cmdNames = [...]string{
	cmdStart:              "start",
	cmdAccept:             "accept",
	cmdReject:             "reject",
	cmdCancel:             "cancel",
	cmdEnd:                "end",
	cmdExpire:             "expire",
	cmdJoined:             "joined",
	cmdLeft:               "left",
	cmdTick:               "tick",
	cmdTopUp:              "topup",
	cmdLowBalanceDeadline: "low_balance_deadline",
	cmdDisconnectDeadline: "disconnect_deadline",
	cmdJoinTimeout:        "join_timeout",
	cmdEvict:              "evict",
	cmdTerminate:          "terminate",
}

func (k cmdKind) String() string {
	if int(k) < len(cmdNames) {
		return cmdNames[k]
	}
	return "unknown"
}

type command struct {
	kind    cmdKind
	partyID string
	detail  string
	reply   chan result
}

type result struct {
	call calls.CallRequest
	cred *media.Credential
	err  error
}

// Session is one call's state machine. Fields below the mailbox are owned by
// whichever worker is draining the session; the scheduled flag guarantees
// there is at most one.
type Session struct {
	id string

	mu        sync.Mutex
	mailbox   []command
	scheduled bool
	evicted   bool

	snap atomic.Pointer[calls.CallRequest]

	req       calls.CallRequest
	lifecycle *fsm.FSM

	deadline   timer.Timer
	joinTimer  timer.Timer
	ticker     timer.Timer
	lowBalance timer.Timer
	disconnect timer.Timer
	evict      timer.Timer

	joined       map[string]bool
	disconnectAt *time.Time

	reservationID    string
	debitedMinor     int64
	tickSeq          int
	billingAnnounced bool
	lowBalanceWarned bool
	inGrace          bool
	lastBalance      int64
	guardHeld        bool
}

func newSession(req calls.CallRequest) *Session {
	s := &Session{
		id:        req.ID,
		req:       req,
		lifecycle: newLifecycle(req.Status),
		joined:    map[string]bool{},
	}
	s.publish()
	return s
}

// Snapshot is safe to call from any goroutine.
func (s *Session) Snapshot() calls.CallRequest {
	return *s.snap.Load()
}

func (s *Session) publish() {
	c := s.req
	s.snap.Store(&c)
}

func (s *Session) status() calls.Status { return s.req.Status }

// stopTimers cancels every armed timer except eviction.
func (s *Session) stopTimers() {
	for _, t := range []*timer.Timer{&s.deadline, &s.joinTimer, &s.ticker, &s.lowBalance, &s.disconnect} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

func (s *Session) bothJoined() bool {
	return s.joined[s.req.CallerID] && s.joined[s.req.CalleeID]
}
