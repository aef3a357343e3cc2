package developerjoe

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"
)

// SessionRegistry tracks every live chat session, keyed by owner and
// session name, along with each owner's default session. Creation and
// deletion are serialized per registry; name reservation happens before
// the session's greeting round-trip, so two concurrent creates can never
// claim the same name, and a session only appears in the registry once
// its greeting has succeeded.
type SessionRegistry struct {
	ai     *OpenAI
	config *ChatConfig
	logger *slog.Logger

	mu sync.Mutex
	// owner ID -> session name -> session. A nil session is a
	// reservation: the name is claimed but the greeting is still in
	// flight.
	sessions map[string]map[string]*ChatSession
	// owner ID -> default session name
	defaults map[string]string
}

func newSessionRegistry(ai *OpenAI, config *ChatConfig) *SessionRegistry {
	return &SessionRegistry{
		ai:       ai,
		config:   config,
		sessions: map[string]map[string]*ChatSession{},
		defaults: map[string]string{},
		logger: slog.Default().With(
			loggerNameKey, "session_registry",
		),
	}
}

// autoName picks the lowest unused "{handle}-{n}" name for the owner,
// filling gaps left by deleted sessions before extending the sequence.
func (r *SessionRegistry) autoName(owner map[string]*ChatSession, handle string) string {
	used := map[int]bool{}
	prefix := handle + "-"
	for name := range owner {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(name, prefix)); err == nil && n >= 0 {
			used[n] = true
		}
	}
	for i := 0; ; i++ {
		if !used[i] {
			return prefix + strconv.Itoa(i)
		}
	}
}

// Create starts a new session for ownerID and registers it under the
// given name. An empty name auto-assigns "{handle}-{n}" with the lowest
// free n. Returns the session and the model's greeting reply. If the
// greeting fails, no registry entry remains and the name is free again.
//
// Each successful create makes the new session the owner's default.
func (r *SessionRegistry) Create(
	ctx context.Context,
	ownerID string,
	handle string,
	name string,
	guildID string,
	model ChatModel,
) (*ChatSession, string, error) {
	r.mu.Lock()
	owner := r.sessions[ownerID]
	if owner == nil {
		owner = map[string]*ChatSession{}
		r.sessions[ownerID] = owner
	}
	if len(owner) >= r.config.MaxSessionsPerUser {
		r.mu.Unlock()
		return nil, "", fmt.Errorf(
			"%w: limit is %d", ErrSessionLimitExceeded, r.config.MaxSessionsPerUser,
		)
	}
	if name == "" {
		name = r.autoName(owner, handle)
	}
	if utf8.RuneCountInString(name) > r.config.MaxNameLength {
		r.mu.Unlock()
		return nil, "", fmt.Errorf(
			"%w: limit is %d characters", ErrSessionNameTooLong, r.config.MaxNameLength,
		)
	}
	if _, exists := owner[name]; exists {
		r.mu.Unlock()
		return nil, "", fmt.Errorf("%w: %q", ErrSessionNameConflict, name)
	}
	owner[name] = nil // reserve the name while the greeting runs
	r.mu.Unlock()

	session := newChatSession(name, ownerID, guildID, model, r.ai, r.config)
	greeting, err := session.start(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		delete(owner, name)
		if len(owner) == 0 {
			delete(r.sessions, ownerID)
		}
		return nil, "", err
	}
	owner[name] = session
	r.defaults[ownerID] = name
	r.logger.InfoContext(ctx, "chat created", "chat", session)
	return session, greeting, nil
}

// Get returns the named session for ownerID. An empty name resolves the
// owner's default session.
func (r *SessionRegistry) Get(ownerID string, name string) (*ChatSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(ownerID, name)
}

func (r *SessionRegistry) get(ownerID string, name string) (*ChatSession, error) {
	owner := r.sessions[ownerID]
	if name == "" {
		name = r.defaults[ownerID]
		if name == "" {
			return nil, fmt.Errorf("%w: no default chat", ErrSessionNotFound)
		}
	}
	session, ok := owner[name]
	if !ok || session == nil {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, name)
	}
	return session, nil
}

// SetDefault marks the named session as the owner's default. The
// session must exist and be fully created.
func (r *SessionRegistry) SetDefault(ownerID string, name string) (*ChatSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, err := r.get(ownerID, name)
	if err != nil {
		return nil, err
	}
	r.defaults[ownerID] = session.Name()
	return session, nil
}

// DefaultName returns the owner's current default session name, or ""
// if they have none.
func (r *SessionRegistry) DefaultName(ownerID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaults[ownerID]
}

// Delete removes the named session and returns it. Deleting the default
// session leaves the owner with no default until they switch to another.
// Reserved names (creates still in flight) can't be deleted.
func (r *SessionRegistry) Delete(ownerID string, name string) (*ChatSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, err := r.get(ownerID, name)
	if err != nil {
		return nil, err
	}
	owner := r.sessions[ownerID]
	delete(owner, session.Name())
	if r.defaults[ownerID] == session.Name() {
		delete(r.defaults, ownerID)
	}
	if len(owner) == 0 {
		delete(r.sessions, ownerID)
	}
	r.logger.Info("chat deleted", "chat", session)
	return session, nil
}

// DeleteAll removes every session belonging to ownerID and returns the
// removed sessions.
func (r *SessionRegistry) DeleteAll(ownerID string) []*ChatSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner := r.sessions[ownerID]
	removed := make([]*ChatSession, 0, len(owner))
	for _, session := range owner {
		if session != nil {
			removed = append(removed, session)
		}
	}
	delete(r.sessions, ownerID)
	delete(r.defaults, ownerID)
	sort.Slice(
		removed, func(i, j int) bool {
			return removed[i].Name() < removed[j].Name()
		},
	)
	return removed
}

// Sessions lists the owner's sessions, sorted by name. Reservations are
// excluded.
func (r *SessionRegistry) Sessions(ownerID string) []*ChatSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner := r.sessions[ownerID]
	out := make([]*ChatSession, 0, len(owner))
	for _, session := range owner {
		if session != nil {
			out = append(out, session)
		}
	}
	sort.Slice(
		out, func(i, j int) bool {
			return out[i].Name() < out[j].Name()
		},
	)
	return out
}

// owners returns the set of owner IDs with at least one session.
func (r *SessionRegistry) owners() map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]struct{}, len(r.sessions))
	for ownerID := range r.sessions {
		out[ownerID] = struct{}{}
	}
	return out
}

// Count reports how many sessions (including in-flight reservations)
// the owner currently holds.
func (r *SessionRegistry) Count(ownerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[ownerID])
}
