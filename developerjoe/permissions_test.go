package developerjoe

import (
	"context"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryLockPersister records saved lock states in memory.
type memoryLockPersister struct {
	mu    sync.Mutex
	saved map[string]map[string][]string
}

func (m *memoryLockPersister) saveGuildModelLocks(
	_ context.Context,
	guildID string,
	rules map[string][]string,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = map[string]map[string][]string{}
	}
	m.saved[guildID] = rules
	return nil
}

// testGuildRoles is a role hierarchy: admin outranks mod outranks member.
func testGuildRoles() []*discordgo.Role {
	return []*discordgo.Role{
		{ID: "role-member", Name: "member", Position: 1},
		{ID: "role-mod", Name: "mod", Position: 5},
		{ID: "role-admin", Name: "admin", Position: 9},
	}
}

func TestModelLocksOpenByDefault(t *testing.T) {
	t.Parallel()

	locks := newModelLocks(nil)
	assert.True(
		t,
		locks.Check("guild-1", ModelGPT4.ID(), nil, testGuildRoles()),
		"a model with no lock list is open to everyone",
	)
	assert.True(
		t,
		locks.Check("guild-1", ModelGPT4.ID(), []string{"role-member"}, testGuildRoles()),
	)
}

func TestModelLocksGrant(t *testing.T) {
	t.Parallel()

	store := &memoryLockPersister{}
	locks := newModelLocks(store)
	ctx := context.Background()

	changed, err := locks.Grant(ctx, "guild-1", ModelGPT4.ID(), "role-mod")
	require.NoError(t, err)
	assert.True(t, changed)

	// granting the same role again is a no-op, not an error
	changed, err = locks.Grant(ctx, "guild-1", ModelGPT4.ID(), "role-mod")
	require.NoError(t, err)
	assert.False(t, changed)

	// unknown models are rejected
	_, err = locks.Grant(ctx, "guild-1", "gpt-99", "role-mod")
	assert.ErrorIs(t, err, ErrModelNotFound)

	// the change was persisted
	assert.Equal(
		t,
		map[string][]string{ModelGPT4.ID(): {"role-mod"}},
		store.saved["guild-1"],
	)
}

func TestModelLocksCheckDirectRole(t *testing.T) {
	t.Parallel()

	locks := newModelLocks(nil)
	_, err := locks.Grant(context.Background(), "guild-1", ModelGPT4.ID(), "role-mod")
	require.NoError(t, err)

	roles := testGuildRoles()
	assert.True(
		t, locks.Check("guild-1", ModelGPT4.ID(), []string{"role-mod"}, roles),
	)
	assert.False(
		t, locks.Check("guild-1", ModelGPT4.ID(), []string{"role-member"}, roles),
	)
	assert.False(
		t, locks.Check("guild-1", ModelGPT4.ID(), nil, roles),
		"locking a model closes it to members with no listed role",
	)

	// other guilds and other models are unaffected
	assert.True(t, locks.Check("guild-2", ModelGPT4.ID(), nil, roles))
	assert.True(t, locks.Check("guild-1", ModelGPT35Turbo.ID(), nil, roles))
}

func TestModelLocksCheckRankOutranks(t *testing.T) {
	t.Parallel()

	locks := newModelLocks(nil)
	_, err := locks.Grant(context.Background(), "guild-1", ModelGPT4.ID(), "role-mod")
	require.NoError(t, err)

	roles := testGuildRoles()

	// an admin doesn't hold role-mod, but outranks it
	assert.True(
		t, locks.Check("guild-1", ModelGPT4.ID(), []string{"role-admin"}, roles),
	)
	// a member ranks below the lowest listed role
	assert.False(
		t, locks.Check("guild-1", ModelGPT4.ID(), []string{"role-member"}, roles),
	)
}

func TestModelLocksCheckRankUsesLowestListedRole(t *testing.T) {
	t.Parallel()

	locks := newModelLocks(nil)
	ctx := context.Background()
	_, err := locks.Grant(ctx, "guild-1", ModelGPT4.ID(), "role-admin")
	require.NoError(t, err)
	_, err = locks.Grant(ctx, "guild-1", ModelGPT4.ID(), "role-member")
	require.NoError(t, err)

	// mod outranks the lowest listed role (member), so it passes even
	// though it isn't listed
	assert.True(
		t,
		locks.Check("guild-1", ModelGPT4.ID(), []string{"role-mod"}, testGuildRoles()),
	)
}

func TestModelLocksCheckUnknownLockedRoles(t *testing.T) {
	t.Parallel()

	locks := newModelLocks(nil)
	_, err := locks.Grant(
		context.Background(), "guild-1", ModelGPT4.ID(), "role-deleted",
	)
	require.NoError(t, err)

	// the lock list only references roles the guild no longer has;
	// nobody passes by rank
	assert.False(
		t,
		locks.Check("guild-1", ModelGPT4.ID(), []string{"role-admin"}, testGuildRoles()),
	)
}

func TestModelLocksRevoke(t *testing.T) {
	t.Parallel()

	store := &memoryLockPersister{}
	locks := newModelLocks(store)
	ctx := context.Background()

	// revoking from a never-locked model is an error
	_, err := locks.Revoke(ctx, "guild-1", ModelGPT4.ID(), "role-mod")
	assert.ErrorIs(t, err, ErrModelNeverLocked)

	_, err = locks.Grant(ctx, "guild-1", ModelGPT4.ID(), "role-mod")
	require.NoError(t, err)

	// revoking a role that isn't listed is a no-op, not an error
	changed, err := locks.Revoke(ctx, "guild-1", ModelGPT4.ID(), "role-admin")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = locks.Revoke(ctx, "guild-1", ModelGPT4.ID(), "role-mod")
	require.NoError(t, err)
	assert.True(t, changed)

	// removing the last role reopens the model
	assert.True(
		t,
		locks.Check("guild-1", ModelGPT4.ID(), nil, testGuildRoles()),
	)
	assert.Empty(t, store.saved["guild-1"])
}

func TestModelLocksReplace(t *testing.T) {
	t.Parallel()

	store := &memoryLockPersister{}
	locks := newModelLocks(store)
	ctx := context.Background()

	_, err := locks.Grant(ctx, "guild-1", ModelGPT4.ID(), "role-mod")
	require.NoError(t, err)

	err = locks.Replace(
		ctx, "guild-1", map[string][]string{
			ModelGPT35Turbo.ID(): {"role-member"},
		},
	)
	require.NoError(t, err)

	rules := locks.GuildRules("guild-1")
	assert.Equal(t, map[string][]string{ModelGPT35Turbo.ID(): {"role-member"}}, rules)

	err = locks.Replace(
		ctx, "guild-1", map[string][]string{"not-a-model": {"role-member"}},
	)
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestModelLocksLoad(t *testing.T) {
	t.Parallel()

	locks := newModelLocks(nil)
	locks.load(
		"guild-1", map[string][]string{
			ModelGPT4.ID(): {"role-mod"},
		},
	)

	assert.False(
		t,
		locks.Check("guild-1", ModelGPT4.ID(), []string{"role-member"}, testGuildRoles()),
	)
	assert.True(
		t,
		locks.Check("guild-1", ModelGPT4.ID(), []string{"role-mod"}, testGuildRoles()),
	)
}

func TestCommandPolicyTable(t *testing.T) {
	t.Parallel()

	policies := newCommandPolicyTable()

	for _, name := range []string{
		DiscordSlashCommandStart,
		DiscordSlashCommandAsk,
		DiscordSlashCommandStream,
		DiscordSlashCommandStop,
		DiscordSlashCommandClear,
		DiscordSlashCommandSwitch,
		DiscordSlashCommandExport,
		DiscordSlashCommandModels,
		DiscordSlashCommandLock,
		DiscordSlashCommandUnlock,
	} {
		_, ok := policies[name]
		assert.True(t, ok, "missing policy for %q", name)
	}

	assert.True(t, policies[DiscordSlashCommandStart].ChecksModel)
	assert.Equal(
		t,
		int64(discordgo.PermissionManageServer),
		policies[DiscordSlashCommandLock].AdminPermission,
	)
	assert.True(t, policies[DiscordSlashCommandLock].GuildOnly)
	assert.True(t, policies[DiscordSlashCommandUnlock].GuildOnly)
	assert.Zero(t, policies[DiscordSlashCommandAsk].AdminPermission)
}
