package developerjoe

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// guildLockPersister saves a guild's full model lock state whenever it
// changes. GuildStore implements it over the database.
type guildLockPersister interface {
	saveGuildModelLocks(ctx context.Context, guildID string, rules map[string][]string) error
}

// ModelLocks is the per-guild model permission engine. Each guild keeps
// a lock list per model ID: a set of role IDs allowed to use that model.
// Models with an empty lock list are open to everyone. A member passes a
// lock either by holding one of the listed roles directly, or by holding
// any role ranked at or above the lowest-ranked listed role. Rank comes
// from the role's position in the guild's role hierarchy.
type ModelLocks struct {
	store  guildLockPersister
	logger *slog.Logger

	mu sync.RWMutex
	// guild ID -> model ID -> allowed role IDs
	rules map[string]map[string][]string
}

func newModelLocks(store guildLockPersister) *ModelLocks {
	return &ModelLocks{
		store: store,
		rules: map[string]map[string][]string{},
		logger: slog.Default().With(
			loggerNameKey, "model_locks",
		),
	}
}

// load replaces the lock state for one guild, used when hydrating from
// the database at startup.
func (m *ModelLocks) load(guildID string, rules map[string][]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(rules) == 0 {
		delete(m.rules, guildID)
		return
	}
	guild := make(map[string][]string, len(rules))
	for modelID, roles := range rules {
		guild[modelID] = append([]string{}, roles...)
	}
	m.rules[guildID] = guild
}

// GuildRules returns a copy of one guild's lock lists, keyed by model ID.
func (m *ModelLocks) GuildRules(guildID string) map[string][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string][]string{}
	for modelID, roles := range m.rules[guildID] {
		out[modelID] = append([]string{}, roles...)
	}
	return out
}

// Grant adds roleID to the model's lock list for the guild. Granting the
// first role to a previously open model closes it to everyone else.
// Returns false without error when the role is already listed.
func (m *ModelLocks) Grant(
	ctx context.Context,
	guildID string,
	modelID string,
	roleID string,
) (bool, error) {
	if _, err := ChatModelByID(modelID); err != nil {
		return false, err
	}

	m.mu.Lock()
	guild := m.rules[guildID]
	if guild == nil {
		guild = map[string][]string{}
		m.rules[guildID] = guild
	}
	for _, existing := range guild[modelID] {
		if existing == roleID {
			m.mu.Unlock()
			return false, nil
		}
	}
	guild[modelID] = append(guild[modelID], roleID)
	sort.Strings(guild[modelID])
	snapshot := copyGuildRules(guild)
	m.mu.Unlock()

	if err := m.persist(ctx, guildID, snapshot); err != nil {
		return true, err
	}
	m.logger.InfoContext(
		ctx, "model locked to role",
		"guild_id", guildID, "model_id", modelID, "role_id", roleID,
	)
	return true, nil
}

// Revoke removes roleID from the model's lock list. A model that was
// never locked in this guild returns ErrModelNeverLocked; a locked model
// whose list doesn't contain the role returns false without error.
// Removing the last role reopens the model to everyone.
func (m *ModelLocks) Revoke(
	ctx context.Context,
	guildID string,
	modelID string,
	roleID string,
) (bool, error) {
	if _, err := ChatModelByID(modelID); err != nil {
		return false, err
	}

	m.mu.Lock()
	guild := m.rules[guildID]
	roles, locked := guild[modelID]
	if !locked {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %q", ErrModelNeverLocked, modelID)
	}
	idx := -1
	for i, existing := range roles {
		if existing == roleID {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return false, nil
	}
	roles = append(roles[:idx], roles[idx+1:]...)
	if len(roles) == 0 {
		delete(guild, modelID)
	} else {
		guild[modelID] = roles
	}
	if len(guild) == 0 {
		delete(m.rules, guildID)
	}
	snapshot := copyGuildRules(guild)
	m.mu.Unlock()

	if err := m.persist(ctx, guildID, snapshot); err != nil {
		return true, err
	}
	m.logger.InfoContext(
		ctx, "model lock revoked",
		"guild_id", guildID, "model_id", modelID, "role_id", roleID,
	)
	return true, nil
}

// Replace swaps out a guild's entire lock state. Every key must be a
// known model ID. Used by the admin API.
func (m *ModelLocks) Replace(
	ctx context.Context,
	guildID string,
	rules map[string][]string,
) error {
	for modelID := range rules {
		if _, err := ChatModelByID(modelID); err != nil {
			return err
		}
	}
	m.load(guildID, rules)
	if err := m.persist(ctx, guildID, rules); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "guild model locks replaced", "guild_id", guildID)
	return nil
}

func (m *ModelLocks) persist(ctx context.Context, guildID string, rules map[string][]string) error {
	if m.store == nil {
		return nil
	}
	return m.store.saveGuildModelLocks(ctx, guildID, rules)
}

func copyGuildRules(guild map[string][]string) map[string][]string {
	out := make(map[string][]string, len(guild))
	for modelID, roles := range guild {
		out[modelID] = append([]string{}, roles...)
	}
	return out
}

// Check reports whether a member holding memberRoleIDs may use the model
// in this guild. guildRoles must be the guild's full role list, used to
// resolve role rank. A model with no lock list is open to everyone.
func (m *ModelLocks) Check(
	guildID string,
	modelID string,
	memberRoleIDs []string,
	guildRoles []*discordgo.Role,
) bool {
	m.mu.RLock()
	locked := append([]string{}, m.rules[guildID][modelID]...)
	m.mu.RUnlock()

	if len(locked) == 0 {
		return true
	}

	lockedSet := make(map[string]bool, len(locked))
	for _, id := range locked {
		lockedSet[id] = true
	}
	for _, id := range memberRoleIDs {
		if lockedSet[id] {
			return true
		}
	}

	// No direct match. Allow members whose highest role outranks the
	// lowest-ranked role on the lock list.
	positions := make(map[string]int, len(guildRoles))
	for _, role := range guildRoles {
		positions[role.ID] = role.Position
	}

	minAllowed := -1
	for _, id := range locked {
		pos, known := positions[id]
		if !known {
			continue
		}
		if minAllowed < 0 || pos < minAllowed {
			minAllowed = pos
		}
	}
	if minAllowed < 0 {
		// Lock list references roles the guild no longer has.
		return false
	}

	for _, id := range memberRoleIDs {
		if pos, known := positions[id]; known && pos >= minAllowed {
			return true
		}
	}
	return false
}

// commandPolicy describes the access rules applied before a slash
// command handler runs.
type commandPolicy struct {
	// AdminPermission, when nonzero, is a discord permission bit the
	// invoking member must hold.
	AdminPermission int64

	// ChecksModel is set on commands that bind a session to a model and
	// so must pass the guild's model locks.
	ChecksModel bool

	// GuildOnly commands are rejected in DMs.
	GuildOnly bool
}

// newCommandPolicyTable returns the static access policy for every slash
// command.
func newCommandPolicyTable() map[string]commandPolicy {
	return map[string]commandPolicy{
		DiscordSlashCommandStart: {
			ChecksModel: true,
		},
		DiscordSlashCommandSwitch: {},
		DiscordSlashCommandAsk:    {},
		DiscordSlashCommandStream: {},
		DiscordSlashCommandStop:   {},
		DiscordSlashCommandClear:  {},
		DiscordSlashCommandExport: {},
		DiscordSlashCommandModels: {},
		DiscordSlashCommandLock: {
			AdminPermission: discordgo.PermissionManageServer,
			GuildOnly:       true,
		},
		DiscordSlashCommandUnlock: {
			AdminPermission: discordgo.PermissionManageServer,
			GuildOnly:       true,
		},
	}
}
