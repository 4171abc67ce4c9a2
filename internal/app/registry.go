package app

import (
	"hash/fnv"
	"sync"

	"github.com/dkeye/Callbox/internal/core"
	"github.com/dkeye/Callbox/internal/domain"
	"github.com/rs/zerolog/log"
)

const registryShards = 32

type presenceShard struct {
	mu    sync.RWMutex
	users map[domain.UserID][]*Session // registration order
}

type sessionShard struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*Session
}

// Registry is the single source of truth for reachability.
// A user key exists iff the user has at least one live session.
type Registry struct {
	presence [registryShards]presenceShard
	index    [registryShards]sessionShard
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.presence {
		r.presence[i].users = make(map[domain.UserID][]*Session)
		r.index[i].sessions = make(map[core.SessionID]*Session)
	}
	return r
}

func shardOf(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % registryShards)
}

func (r *Registry) userShard(uid domain.UserID) *presenceShard {
	return &r.presence[shardOf(string(uid))]
}

func (r *Registry) sessionShard(sid core.SessionID) *sessionShard {
	return &r.index[shardOf(string(sid))]
}

// Register adds the session and reports whether the user just came online.
func (r *Registry) Register(uid domain.UserID, sess *Session) bool {
	idx := r.sessionShard(sess.ID)
	idx.mu.Lock()
	idx.sessions[sess.ID] = sess
	idx.mu.Unlock()

	ps := r.userShard(uid)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	list := ps.users[uid]
	for _, s := range list {
		if s.ID == sess.ID {
			return false
		}
	}
	ps.users[uid] = append(list, sess)
	first := len(list) == 0
	log.Info().Str("module", "app.registry").Str("user", string(uid)).Str("sid", string(sess.ID)).Bool("online", first).Msg("registered session")
	return first
}

// Unregister removes the session and reports whether the user went offline.
func (r *Registry) Unregister(uid domain.UserID, sid core.SessionID) bool {
	ps := r.userShard(uid)
	ps.mu.Lock()
	list, ok := ps.users[uid]
	removed := false
	if ok {
		kept := list[:0:0]
		for _, s := range list {
			if s.ID == sid {
				removed = true
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(ps.users, uid)
		} else {
			ps.users[uid] = kept
		}
	}
	offline := removed && len(ps.users[uid]) == 0
	ps.mu.Unlock()

	idx := r.sessionShard(sid)
	idx.mu.Lock()
	delete(idx.sessions, sid)
	idx.mu.Unlock()

	if removed {
		log.Info().Str("module", "app.registry").Str("user", string(uid)).Str("sid", string(sid)).Bool("offline", offline).Msg("unregistered session")
	}
	return offline
}

func (r *Registry) IsOnline(uid domain.UserID) bool {
	ps := r.userShard(uid)
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	_, ok := ps.users[uid]
	return ok
}

// ActiveSessions lists the user's sessions in registration order, skipping exclude.
func (r *Registry) ActiveSessions(uid domain.UserID, exclude core.SessionID) []core.SessionID {
	ps := r.userShard(uid)
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	list := ps.users[uid]
	out := make([]core.SessionID, 0, len(list))
	for _, s := range list {
		if s.ID != exclude {
			out = append(out, s.ID)
		}
	}
	return out
}

// FirstSession returns the least recently registered session other than exclude.
func (r *Registry) FirstSession(uid domain.UserID, exclude core.SessionID) (core.SessionID, bool) {
	ps := r.userShard(uid)
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	for _, s := range ps.users[uid] {
		if s.ID != exclude {
			return s.ID, true
		}
	}
	return "", false
}

// HasSession reports whether sid is a live session of uid.
func (r *Registry) HasSession(uid domain.UserID, sid core.SessionID) bool {
	ps := r.userShard(uid)
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	for _, s := range ps.users[uid] {
		if s.ID == sid {
			return true
		}
	}
	return false
}

func (r *Registry) Session(sid core.SessionID) (*Session, bool) {
	idx := r.sessionShard(sid)
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	s, ok := idx.sessions[sid]
	return s, ok
}

// AllSessions snapshots every tracked session.
func (r *Registry) AllSessions() []core.SessionID {
	var out []core.SessionID
	for i := range r.presence {
		ps := &r.presence[i]
		ps.mu.RLock()
		for _, list := range ps.users {
			for _, s := range list {
				out = append(out, s.ID)
			}
		}
		ps.mu.RUnlock()
	}
	return out
}

func (r *Registry) OnlineUsers() []domain.UserID {
	var out []domain.UserID
	for i := range r.presence {
		ps := &r.presence[i]
		ps.mu.RLock()
		for uid := range ps.users {
			out = append(out, uid)
		}
		ps.mu.RUnlock()
	}
	return out
}

// Cancel force-closes a live session. The adapter's read loop unregisters it.
func (r *Registry) Cancel(sid core.SessionID) bool {
	s, ok := r.Session(sid)
	if !ok {
		return false
	}
	s.Close()
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}
