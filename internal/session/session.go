// Package session holds the authenticated viewer identity: who the actor
// is and the bearer token proving it. Sessions come from a static pair, the
// system keyring, or a watched token file.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoSession is returned when no authenticated session is available.
var ErrNoSession = errors.New("session: no authenticated session")

// Session is one authenticated viewer.
type Session struct {
	ActorID string `json:"actorId"`
	Token   string `json:"token"`
}

// Valid reports whether the session carries both an actor and a token.
func (s Session) Valid() bool {
	return strings.TrimSpace(s.ActorID) != "" && strings.TrimSpace(s.Token) != ""
}

// Source yields the current session. Implementations may return ErrNoSession
// when the viewer is logged out.
type Source interface {
	Current(ctx context.Context) (Session, error)
}

// Static returns a Source that always yields the given pair.
func Static(actorID, token string) Source {
	return staticSource{session: Session{ActorID: actorID, Token: token}}
}

type staticSource struct {
	session Session
}

func (s staticSource) Current(ctx context.Context) (Session, error) {
	if !s.session.Valid() {
		return Session{}, ErrNoSession
	}
	return s.session, nil
}

// ReadFile parses a session token file. The file holds a single JSON object
// with actorId and token fields.
func ReadFile(path string) (Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Session{}, ErrNoSession
		}
		return Session{}, fmt.Errorf("reading session file: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("parsing session file %s: %w", path, err)
	}
	if !s.Valid() {
		return Session{}, ErrNoSession
	}
	return s, nil
}
