package agentcall

import (
	"context"
	"errors"
	"fmt"

	"agentcall/internal/audit"
	"agentcall/internal/calls"
)

// SessionView is a session with its event history.
type SessionView struct {
	Session calls.Session `json:"session"`
	Events  []audit.Event `json:"events"`
}

// Query reads sessions for the API. It never mutates.
type Query struct {
	sessions calls.SessionStore
	events   *audit.Service
}

func NewQuery(sessions calls.SessionStore, events *audit.Service) *Query {
	return &Query{sessions: sessions, events: events}
}

// Lookup returns the session addressed by sid (or room id) and its events.
// An event log failure yields the session without events.
func (q *Query) Lookup(ctx context.Context, sid string) (SessionView, error) {
	s, err := q.sessions.Get(ctx, calls.Key{SID: sid, RoomID: sid})
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			return SessionView{}, ErrSessionNotFound
		}
		return SessionView{}, fmt.Errorf("agentcall: load session: %w", err)
	}
	view := SessionView{Session: s, Events: []audit.Event{}}
	if q.events != nil {
		if evs, err := q.events.List(ctx, s.SID); err == nil && evs != nil {
			view.Events = evs
		}
	}
	return view, nil
}
