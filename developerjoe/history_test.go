package developerjoe

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) DBI {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	gormDB, err := CreateDB(
		ctx, dbTypeSQLite, filepath.Join(t.TempDir(), "test.sqlite3"),
	)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, dbErr := gormDB.DB()
			if dbErr == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return NewDatabase(gormDB, slog.Default(), false)
}

// newUploadableSession returns a session with two committed exchanges.
func newUploadableSession(t *testing.T) *ChatSession {
	t.Helper()
	session := newChatSession(
		"alice-0",
		"user-1",
		"guild-1",
		ModelGPT4,
		nil,
		testChatConfig(),
	)
	session.commit("hello", "hi there", 12, nil)
	session.commit("how are you", "well enough", 18, nil)
	return session
}

func TestHistoryStoreUploadRetrieve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newHistoryStore(newTestDB(t))

	record, err := store.Upload(ctx, newUploadableSession(t))
	require.NoError(t, err)
	require.NotEmpty(t, record.TranscriptID)
	assert.Equal(t, "user-1", record.OwnerID)
	assert.Equal(t, "guild-1", record.GuildID)
	assert.Equal(t, "alice-0", record.SessionName)
	assert.Equal(t, ModelGPT4.ID(), record.Model)
	assert.Equal(t, 30, record.TotalTokens)

	loaded, exchanges, err := store.Retrieve(ctx, record.TranscriptID)
	require.NoError(t, err)
	assert.Equal(t, record.TranscriptID, loaded.TranscriptID)
	require.Len(t, exchanges, 2)
	assert.Equal(t, "hello", exchanges[0].Query)
	assert.Equal(t, "hi there", exchanges[0].Reply)
	assert.Equal(t, 12, exchanges[0].Tokens)
	assert.Equal(t, "well enough", exchanges[1].Reply)
}

func TestHistoryStoreRetrieveUnknown(t *testing.T) {
	t.Parallel()
	store := newHistoryStore(newTestDB(t))

	_, _, err := store.Retrieve(context.Background(), "no-such-transcript")
	assert.ErrorIs(t, err, ErrHistoryNotFound)
}

func TestHistoryStoreDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newHistoryStore(newTestDB(t))

	record, err := store.Upload(ctx, newUploadableSession(t))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, record.TranscriptID))

	_, _, err = store.Retrieve(ctx, record.TranscriptID)
	assert.ErrorIs(t, err, ErrHistoryNotFound)

	err = store.Delete(ctx, record.TranscriptID)
	assert.ErrorIs(t, err, ErrHistoryNotFound)
}

func TestHistoryStoreListByOwner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newHistoryStore(newTestDB(t))

	first, err := store.Upload(ctx, newUploadableSession(t))
	require.NoError(t, err)

	// created_at has millisecond resolution; make sure the second record
	// sorts after the first
	time.Sleep(5 * time.Millisecond)

	second, err := store.Upload(ctx, newUploadableSession(t))
	require.NoError(t, err)

	other := newUploadableSession(t)
	other.ownerID = "user-2"
	_, err = store.Upload(ctx, other)
	require.NoError(t, err)

	records, err := store.ListByOwner(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, second.TranscriptID, records[0].TranscriptID)
	assert.Equal(t, first.TranscriptID, records[1].TranscriptID)

	// payload columns are omitted from listings
	assert.Empty(t, records[0].Exchanges)
	assert.Empty(t, records[0].Transcript)
}

func TestHistoryStoreListPaging(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newHistoryStore(newTestDB(t))

	var ids []string
	for i := 0; i < 3; i++ {
		record, err := store.Upload(ctx, newUploadableSession(t))
		require.NoError(t, err)
		ids = append(ids, record.TranscriptID)
		time.Sleep(5 * time.Millisecond)
	}

	records, err := store.List(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, ids[2], records[0].TranscriptID)
	assert.Equal(t, ids[1], records[1].TranscriptID)

	records, err = store.List(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ids[0], records[0].TranscriptID)
}

func TestGuildStoreModelLocksRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newGuildStore(newTestDB(t))

	rules := map[string][]string{
		ModelGPT4.ID():      {"role-a", "role-b"},
		ModelGPT4Turbo.ID(): {"role-c"},
	}
	require.NoError(t, store.saveGuildModelLocks(ctx, "guild-1", rules))

	loaded, err := store.getGuildModelLocks(ctx, "guild-1")
	require.NoError(t, err)
	assert.Equal(t, rules, loaded)

	// saving replaces the previous state rather than merging
	replacement := map[string][]string{
		ModelGPT35Turbo.ID(): {"role-d"},
	}
	require.NoError(t, store.saveGuildModelLocks(ctx, "guild-1", replacement))

	loaded, err = store.getGuildModelLocks(ctx, "guild-1")
	require.NoError(t, err)
	assert.Equal(t, replacement, loaded)

	// other guilds are untouched and load empty
	loaded, err = store.getGuildModelLocks(ctx, "guild-2")
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestGuildStoreAllModelLocks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newGuildStore(newTestDB(t))

	require.NoError(
		t, store.saveGuildModelLocks(
			ctx, "guild-1", map[string][]string{ModelGPT4.ID(): {"role-a"}},
		),
	)
	require.NoError(
		t, store.saveGuildModelLocks(
			ctx, "guild-2", map[string][]string{ModelGPT35Turbo.ID(): {"role-b"}},
		),
	)

	all, err := store.allGuildModelLocks(ctx)
	require.NoError(t, err)
	assert.Equal(
		t, map[string]map[string][]string{
			"guild-1": {ModelGPT4.ID(): {"role-a"}},
			"guild-2": {ModelGPT35Turbo.ID(): {"role-b"}},
		}, all,
	)
}

func TestGuildStoreConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newGuildStore(newTestDB(t))

	// guilds with nothing saved get an empty config, not an error
	cfg, err := store.GuildConfigValue(ctx, "guild-1")
	require.NoError(t, err)
	assert.Equal(t, "guild-1", cfg.GuildID)
	assert.Empty(t, cfg.DefaultModel)

	require.NoError(
		t, store.SetGuildConfig(
			ctx, &GuildConfig{
				GuildID:      "guild-1",
				DefaultModel: ModelGPT4.ID(),
				Greeting:     "hello there",
			},
		),
	)

	cfg, err = store.GuildConfigValue(ctx, "guild-1")
	require.NoError(t, err)
	assert.Equal(t, ModelGPT4.ID(), cfg.DefaultModel)
	assert.Equal(t, "hello there", cfg.Greeting)

	// setting again updates the existing row
	require.NoError(
		t, store.SetGuildConfig(
			ctx, &GuildConfig{
				GuildID:      "guild-1",
				DefaultModel: ModelGPT35Turbo.ID(),
				Greeting:     "hello there",
			},
		),
	)
	cfg, err = store.GuildConfigValue(ctx, "guild-1")
	require.NoError(t, err)
	assert.Equal(t, ModelGPT35Turbo.ID(), cfg.DefaultModel)
}
