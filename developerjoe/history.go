package developerjoe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// History is one exported chat transcript. TranscriptID is the public
// identifier handed to the user on /export and accepted by the admin
// API. Exchanges holds the readable history as JSON.
type History struct {
	ModelUintID
	ModelUnixTime
	TranscriptID string `gorm:"uniqueIndex" json:"transcript_id"`
	OwnerID      string `gorm:"index" json:"owner_id"`
	GuildID      string `gorm:"index" json:"guild_id"`
	SessionName  string `json:"session_name"`
	Model        string `json:"model"`
	TotalTokens  int    `json:"total_tokens"`
	Exchanges    string `gorm:"type:text" json:"-"`
	Transcript   string `gorm:"type:text" json:"-"`
}

func (h History) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("transcript_id", h.TranscriptID),
		slog.String("owner_id", h.OwnerID),
		slog.String("session_name", h.SessionName),
	)
}

// ModelRules is one guild's lock list for one model, with the allowed
// role IDs stored as JSON.
type ModelRules struct {
	ModelUintID
	ModelUnixTime
	GuildID string `gorm:"uniqueIndex:idx_guild_model" json:"guild_id"`
	ModelID string `gorm:"uniqueIndex:idx_guild_model" json:"model_id"`
	RoleIDs string `gorm:"type:text" json:"-"`
}

func (r ModelRules) roleIDs() ([]string, error) {
	var roles []string
	if r.RoleIDs == "" {
		return roles, nil
	}
	err := json.Unmarshal([]byte(r.RoleIDs), &roles)
	return roles, err
}

// GuildConfig holds per-guild settings that override the bot defaults.
type GuildConfig struct {
	ModelUintID
	ModelUnixTime
	GuildID      string `gorm:"uniqueIndex" json:"guild_id"`
	DefaultModel string `json:"default_model"`
	Greeting     string `json:"greeting"`
}

// HistoryStore persists exported chat transcripts.
type HistoryStore struct {
	db     DBI
	logger *slog.Logger
}

func newHistoryStore(db DBI) *HistoryStore {
	return &HistoryStore{
		db: db,
		logger: slog.Default().With(
			loggerNameKey, "history_store",
		),
	}
}

// Upload saves the session's current readable history as a new
// transcript record and returns it. The session itself is untouched.
func (h *HistoryStore) Upload(ctx context.Context, session *ChatSession) (*History, error) {
	exchanges := session.Exchanges()
	encoded, err := json.Marshal(exchanges)
	if err != nil {
		return nil, fmt.Errorf("encoding exchanges: %w", err)
	}
	record := &History{
		TranscriptID: uuid.NewString(),
		OwnerID:      session.OwnerID(),
		GuildID:      session.GuildID(),
		SessionName:  session.Name(),
		Model:        session.Model().ID(),
		TotalTokens:  session.TotalTokens(),
		Exchanges:    string(encoded),
		Transcript:   session.Transcript(),
	}
	if _, err = h.db.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("saving transcript: %w", err)
	}
	h.logger.InfoContext(ctx, "transcript saved", "history", record)
	return record, nil
}

// Retrieve loads a transcript by its public ID, along with its decoded
// exchange list.
func (h *HistoryStore) Retrieve(
	ctx context.Context,
	transcriptID string,
) (*History, []ChatExchange, error) {
	var record History
	err := h.db.DB().WithContext(ctx).Where(
		"transcript_id = ?", transcriptID,
	).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("%w: %q", ErrHistoryNotFound, transcriptID)
		}
		return nil, nil, err
	}
	var exchanges []ChatExchange
	if record.Exchanges != "" {
		if err = json.Unmarshal([]byte(record.Exchanges), &exchanges); err != nil {
			return nil, nil, fmt.Errorf("decoding exchanges: %w", err)
		}
	}
	return &record, exchanges, nil
}

// Delete removes a transcript by its public ID.
func (h *HistoryStore) Delete(ctx context.Context, transcriptID string) error {
	rows, err := h.db.Delete(&History{}, "transcript_id = ?", transcriptID)
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %q", ErrHistoryNotFound, transcriptID)
	}
	h.logger.InfoContext(ctx, "transcript deleted", "transcript_id", transcriptID)
	return nil
}

// ListByOwner returns the owner's saved transcripts, newest first,
// without the (potentially large) exchange payloads.
func (h *HistoryStore) ListByOwner(ctx context.Context, ownerID string) ([]History, error) {
	var records []History
	err := h.db.DB().WithContext(ctx).
		Omit("exchanges", "transcript").
		Where("owner_id = ?", ownerID).
		Order("created_at desc").
		Find(&records).Error
	return records, err
}

// List returns a page of all saved transcripts, newest first, for the
// admin API.
func (h *HistoryStore) List(ctx context.Context, limit int, offset int) ([]History, error) {
	var records []History
	err := h.db.DB().WithContext(ctx).
		Omit("exchanges", "transcript").
		Order("created_at desc").
		Limit(limit).
		Offset(offset).
		Find(&records).Error
	return records, err
}

// GuildStore persists per-guild model lock lists and settings. It backs
// ModelLocks as its guildLockPersister.
type GuildStore struct {
	db     DBI
	logger *slog.Logger
}

func newGuildStore(db DBI) *GuildStore {
	return &GuildStore{
		db: db,
		logger: slog.Default().With(
			loggerNameKey, "guild_store",
		),
	}
}

// getGuildModelLocks loads one guild's lock lists, keyed by model ID.
func (g *GuildStore) getGuildModelLocks(
	ctx context.Context,
	guildID string,
) (map[string][]string, error) {
	var rows []ModelRules
	err := g.db.DB().WithContext(ctx).Where("guild_id = ?", guildID).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	rules := map[string][]string{}
	for _, row := range rows {
		roles, decodeErr := row.roleIDs()
		if decodeErr != nil {
			return nil, fmt.Errorf(
				"decoding lock roles for guild %s model %s: %w",
				row.GuildID, row.ModelID, decodeErr,
			)
		}
		rules[row.ModelID] = roles
	}
	return rules, nil
}

// allGuildModelLocks loads every guild's lock lists, used to hydrate
// ModelLocks at startup.
func (g *GuildStore) allGuildModelLocks(
	ctx context.Context,
) (map[string]map[string][]string, error) {
	var rows []ModelRules
	if err := g.db.DB().WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	all := map[string]map[string][]string{}
	for _, row := range rows {
		roles, err := row.roleIDs()
		if err != nil {
			return nil, err
		}
		guild := all[row.GuildID]
		if guild == nil {
			guild = map[string][]string{}
			all[row.GuildID] = guild
		}
		guild[row.ModelID] = roles
	}
	return all, nil
}

// saveGuildModelLocks replaces one guild's full lock state in a single
// transaction.
func (g *GuildStore) saveGuildModelLocks(
	ctx context.Context,
	guildID string,
	rules map[string][]string,
) error {
	return g.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := tx.Unscoped().Where(
				"guild_id = ?", guildID,
			).Delete(&ModelRules{}).Error; err != nil {
				return err
			}
			for modelID, roles := range rules {
				encoded, err := json.Marshal(roles)
				if err != nil {
					return err
				}
				row := ModelRules{
					GuildID: guildID,
					ModelID: modelID,
					RoleIDs: string(encoded),
				}
				if err = tx.Create(&row).Error; err != nil {
					return err
				}
			}
			return nil
		},
	)
}

// GuildConfigValue loads the guild's stored settings, returning an empty
// config when the guild has none saved.
func (g *GuildStore) GuildConfigValue(
	ctx context.Context,
	guildID string,
) (GuildConfig, error) {
	var cfg GuildConfig
	err := g.db.DB().WithContext(ctx).Where("guild_id = ?", guildID).First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return GuildConfig{GuildID: guildID}, nil
		}
		return GuildConfig{}, err
	}
	return cfg, nil
}

// SetGuildConfig upserts the guild's settings row.
func (g *GuildStore) SetGuildConfig(ctx context.Context, cfg *GuildConfig) error {
	g.Lock()
	defer g.Unlock()
	return g.db.DB().WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "guild_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"default_model", "greeting", "updated_at"}),
		},
	).Create(cfg).Error
}

func (g *GuildStore) Lock()   { g.db.Lock() }
func (g *GuildStore) Unlock() { g.db.Unlock() }
