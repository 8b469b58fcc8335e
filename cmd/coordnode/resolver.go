package main

import (
	"context"
	"sync"

	"github.com/nimbusdb/coord/common/logging"
	"github.com/nimbusdb/coord/session"
)

// sessionResolver implements exchange.PeerResolver by looking up a
// session's registered peer address in the shared store (via the session
// manager's PeerAddress, stamped at AllocateLocalSession time on whichever
// node created the session). Only a session with no resolvable address —
// never observed, already ended, or allocated by a node that started with
// no --peer-reachable listen address — falls back to the dead-holder rule.
// Broadcast sends go to the fixed list of peers supplied at startup.
type sessionResolver struct {
	sessions *session.Manager
	log      *logging.Logger

	mu    sync.RWMutex
	peers []string
}

func newSessionResolver(sessions *session.Manager, peers []string) *sessionResolver {
	cp := append([]string(nil), peers...)
	return &sessionResolver{
		sessions: sessions,
		log:      logging.GetLogger("cmd/coordnode/resolver"),
		peers:    cp,
	}
}

func (r *sessionResolver) PeerForSession(sessionID string) (string, bool) {
	addr, ok, err := r.sessions.PeerAddress(context.Background(), sessionID)
	if err != nil {
		r.log.Warn("resolving session peer address failed, falling back to the dead-holder rule", "session", sessionID, "err", err)
		return "", false
	}
	return addr, ok
}

func (r *sessionResolver) BroadcastPeers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.peers...)
}
