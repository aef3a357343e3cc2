package developerjoe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// friendlyError maps internal error kinds to a message suitable to show
// the invoking user.
func (d *Discord) friendlyError(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return "You don't have a chat with that name. Start one with `/start`."
	case errors.Is(err, ErrSessionNameConflict):
		return "You already have a chat with that name."
	case errors.Is(err, ErrSessionNameTooLong):
		return fmt.Sprintf(
			"Chat names are limited to %d characters.",
			d.dj.config.Chat.MaxNameLength,
		)
	case errors.Is(err, ErrSessionLimitExceeded):
		return fmt.Sprintf(
			"You've hit the limit of %d chats. Stop one with `/stop` first.",
			d.dj.config.Chat.MaxSessionsPerUser,
		)
	case errors.Is(err, ErrSessionProcessing):
		return "That chat is still answering your last question."
	case errors.Is(err, ErrSessionDisabled):
		return "That chat has ended. Start a new one with `/start`."
	case errors.Is(err, ErrPermissionDenied):
		return "You don't have permission to use that model here."
	case errors.Is(err, ErrModelNotFound):
		return "I don't recognize that model."
	case errors.Is(err, ErrModelNeverLocked):
		return "That model was never locked in this server."
	case errors.Is(err, ErrContentFiltered):
		return "The reply was withheld by the content filter. That exchange wasn't saved."
	case errors.Is(err, ErrLengthLimitReached):
		return "This chat hit the model's length limit and has been closed. " +
			"Export it with `/export`, then start a new one."
	case errors.Is(err, ErrBackendRateLimited):
		return "I'm being rate limited right now, try again shortly."
	case errors.Is(err, ErrBackendUnavailable), errors.Is(err, ErrBackendConnection):
		return "I couldn't reach the model backend, try again shortly."
	default:
		return DefaultDiscordErrorMessage
	}
}

// handlerInteractionCreate dispatches incoming slash commands. The
// interaction is acknowledged immediately and the handler runs in its
// own goroutine, since command handlers block on the model backend.
func (d *Discord) handlerInteractionCreate() func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	policies := newCommandPolicyTable()
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		name := i.ApplicationCommandData().Name
		user := getDiscordUser(i)
		if user == nil {
			d.logger.Warn("interaction with no user", "command", name)
			return
		}

		logger := d.logger.With(
			"command", name,
			"interaction_id", i.ID,
			slog.Group("user", "id", user.ID, "username", user.Username),
		)
		ctx := WithLogger(context.Background(), logger)

		policy, known := policies[name]
		if !known {
			logger.Warn("unknown command")
			return
		}
		if policy.GuildOnly && i.GuildID == "" {
			d.respondEphemeral(i, "That command only works in a server.")
			return
		}
		if policy.AdminPermission != 0 {
			if i.Member == nil || i.Member.Permissions&policy.AdminPermission == 0 {
				d.respondEphemeral(i, "You don't have permission to use that command.")
				return
			}
		}

		if err := d.session.InteractionRespond(
			i.Interaction, d.ackResponse(name),
		); err != nil {
			logger.Error("error acknowledging interaction", tint.Err(err))
			return
		}

		go d.dispatchCommand(ctx, name, i, user)
	}
}

func (d *Discord) dispatchCommand(
	ctx context.Context,
	name string,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) {
	var err error
	switch name {
	case DiscordSlashCommandStart:
		err = d.handleStart(ctx, i, user)
	case DiscordSlashCommandAsk:
		err = d.handleAsk(ctx, i, user)
	case DiscordSlashCommandStream:
		err = d.handleStream(ctx, i, user)
	case DiscordSlashCommandStop:
		err = d.handleStop(ctx, i, user)
	case DiscordSlashCommandClear:
		err = d.handleClear(ctx, i, user)
	case DiscordSlashCommandSwitch:
		err = d.handleSwitch(ctx, i, user)
	case DiscordSlashCommandExport:
		err = d.handleExport(ctx, i, user)
	case DiscordSlashCommandModels:
		err = d.handleModels(ctx, i, user)
	case DiscordSlashCommandLock:
		err = d.handleLock(ctx, i)
	case DiscordSlashCommandUnlock:
		err = d.handleUnlock(ctx, i)
	}
	if err != nil {
		logger, _ := ContextLogger(ctx)
		if logger == nil {
			logger = d.logger
		}
		logger.ErrorContext(ctx, "command failed", tint.Err(err))
		d.editResponse(i, d.friendlyError(err))
	}
}

// respondEphemeral immediately answers an interaction with an ephemeral
// message, used for rejections that happen before the deferred ack.
func (d *Discord) respondEphemeral(i *discordgo.InteractionCreate, content string) {
	err := d.session.InteractionRespond(
		i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if err != nil {
		d.logger.Error("error responding to interaction", tint.Err(err))
	}
}

// editResponse updates the deferred interaction reply, truncating the
// content to discord's message length limit.
func (d *Discord) editResponse(i *discordgo.InteractionCreate, content string) {
	content = shortenString(content, discordMaxMessageLength)
	_, err := d.session.InteractionResponseEdit(
		i.Interaction, &discordgo.WebhookEdit{Content: &content},
	)
	if err != nil {
		d.logger.Error("error editing interaction response", tint.Err(err))
	}
}

// checkModelAccess enforces the guild's model locks. DMs have no guild
// roles, so every model is open there.
func (d *Discord) checkModelAccess(
	i *discordgo.InteractionCreate,
	model ChatModel,
) error {
	if i.GuildID == "" || i.Member == nil {
		return nil
	}
	guildRoles, err := d.session.GuildRoles(i.GuildID)
	if err != nil {
		return fmt.Errorf("fetching guild roles: %w", err)
	}
	if !d.dj.locks.Check(i.GuildID, model.ID(), i.Member.Roles, guildRoles) {
		return fmt.Errorf("%w: model %s", ErrPermissionDenied, model.ID())
	}
	return nil
}

// defaultModelFor resolves the model to start a chat with: the guild's
// configured default if one is set, the bot default otherwise.
func (d *Discord) defaultModelFor(ctx context.Context, guildID string) (ChatModel, error) {
	modelID := d.dj.config.Chat.DefaultModel
	if guildID != "" {
		guildCfg, err := d.dj.guilds.GuildConfigValue(ctx, guildID)
		if err != nil {
			return ChatModel{}, err
		}
		if guildCfg.DefaultModel != "" {
			modelID = guildCfg.DefaultModel
		}
	}
	return ChatModelByID(modelID)
}

func (d *Discord) handleStart(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) error {
	opts := discordInteractionOptions(i)

	var model ChatModel
	var err error
	if opt, ok := opts[chatModelOption]; ok {
		model, err = ChatModelByID(opt.StringValue())
	} else {
		model, err = d.defaultModelFor(ctx, i.GuildID)
	}
	if err != nil {
		return err
	}
	if err = d.checkModelAccess(i, model); err != nil {
		return err
	}

	var name string
	if opt, ok := opts[chatNameOption]; ok {
		name = strings.TrimSpace(opt.StringValue())
	}

	session, greeting, err := d.dj.registry.Create(
		ctx, user.ID, user.Username, name, i.GuildID, model,
	)
	if err != nil {
		return err
	}
	d.editResponse(
		i, fmt.Sprintf(
			"Started chat **%s** with %s.\n\n%s",
			session.Name(), model.DisplayName(), greeting,
		),
	)
	return nil
}

func (d *Discord) handleAsk(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) error {
	opts := discordInteractionOptions(i)
	query := opts[chatQueryOption].StringValue()

	session, err := d.dj.registry.Get(user.ID, "")
	if err != nil {
		return err
	}

	var reply *AIReply
	if opt, hasImage := opts[chatImageOption]; hasImage {
		attachmentID, _ := opt.Value.(string)
		resolved := i.ApplicationCommandData().Resolved
		if resolved == nil || resolved.Attachments[attachmentID] == nil {
			return errors.New("attachment missing from interaction")
		}
		reply, err = session.ReadImage(
			ctx, query, []string{resolved.Attachments[attachmentID].URL},
		)
	} else {
		reply, err = session.Ask(ctx, query)
	}
	if err != nil {
		return err
	}
	d.editResponse(i, reply.Content)
	return nil
}

// handleStream runs a streaming ask, periodically flushing the partial
// reply into the interaction message until the stream finishes.
func (d *Discord) handleStream(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) error {
	opts := discordInteractionOptions(i)
	query := opts[chatQueryOption].StringValue()

	session, err := d.dj.registry.Get(user.ID, "")
	if err != nil {
		return err
	}

	var mu sync.Mutex
	var partial string

	interval := d.dj.config.Chat.StreamFlushInterval
	if interval <= 0 {
		interval = DefaultStreamFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	flusherQuit := make(chan struct{})
	flusherDone := make(chan struct{})
	go func() {
		defer close(flusherDone)
		var lastFlushed string
		for {
			select {
			case <-flusherQuit:
				return
			case <-ticker.C:
			}
			mu.Lock()
			current := partial
			mu.Unlock()
			if current == "" || current == lastFlushed {
				continue
			}
			lastFlushed = current
			d.editResponse(i, current)
		}
	}()

	reply, askErr := session.AskStream(
		ctx, query, func(sofar string) {
			mu.Lock()
			partial = sofar
			mu.Unlock()
		},
	)
	close(flusherQuit)
	<-flusherDone

	// A length-limited reply still carries the truncated content; show
	// it along with the explanation.
	if askErr != nil && !errors.Is(askErr, ErrLengthLimitReached) {
		return askErr
	}
	content := reply.Content
	if askErr != nil {
		content = content + "\n\n" + d.friendlyError(askErr)
	}
	d.editResponse(i, content)
	return nil
}

func (d *Discord) handleStop(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) error {
	opts := discordInteractionOptions(i)
	var name string
	if opt, ok := opts[chatNameOption]; ok {
		name = opt.StringValue()
	}

	session, err := d.dj.registry.Delete(user.ID, name)
	if err != nil {
		return err
	}
	farewell := session.Stop()

	msg := fmt.Sprintf("Chat **%s** ended. %s", session.Name(), farewell)
	if len(session.Exchanges()) > 0 {
		record, uploadErr := d.dj.history.Upload(ctx, session)
		if uploadErr != nil {
			d.logger.ErrorContext(
				ctx, "error saving transcript", tint.Err(uploadErr),
			)
			msg += "\n(I couldn't save the transcript.)"
		} else {
			msg += fmt.Sprintf("\nTranscript saved: `%s`", record.TranscriptID)
		}
	}
	d.editResponse(i, msg)
	return nil
}

func (d *Discord) handleClear(
	_ context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) error {
	opts := discordInteractionOptions(i)
	var name string
	if opt, ok := opts[chatNameOption]; ok {
		name = opt.StringValue()
	}
	session, err := d.dj.registry.Get(user.ID, name)
	if err != nil {
		return err
	}
	session.Clear()
	d.editResponse(i, fmt.Sprintf("Cleared chat **%s**.", session.Name()))
	return nil
}

func (d *Discord) handleSwitch(
	_ context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) error {
	opts := discordInteractionOptions(i)
	name := opts[chatNameOption].StringValue()
	session, err := d.dj.registry.SetDefault(user.ID, name)
	if err != nil {
		return err
	}
	d.editResponse(
		i, fmt.Sprintf(
			"**%s** (%s) is now your default chat.",
			session.Name(), session.Model().DisplayName(),
		),
	)
	return nil
}

func (d *Discord) handleExport(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) error {
	opts := discordInteractionOptions(i)
	var name string
	if opt, ok := opts[chatNameOption]; ok {
		name = opt.StringValue()
	}
	session, err := d.dj.registry.Get(user.ID, name)
	if err != nil {
		return err
	}

	record, err := d.dj.history.Upload(ctx, session)
	if err != nil {
		return err
	}

	content := fmt.Sprintf("Transcript for **%s**: `%s`", session.Name(), record.TranscriptID)
	_, err = d.session.InteractionResponseEdit(
		i.Interaction, &discordgo.WebhookEdit{
			Content: &content,
			Files: []*discordgo.File{
				{
					Name:        session.Name() + ".txt",
					ContentType: "text/plain",
					Reader:      strings.NewReader(session.Transcript()),
				},
			},
		},
	)
	return err
}

func (d *Discord) handleModels(
	_ context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) error {
	var b strings.Builder
	b.WriteString("**Models**\n")
	for _, m := range ChatModels() {
		b.WriteString(fmt.Sprintf("- %s (`%s`)\n", m.DisplayName(), m.ID()))
	}

	sessions := d.dj.registry.Sessions(user.ID)
	defaultName := d.dj.registry.DefaultName(user.ID)
	if len(sessions) > 0 {
		b.WriteString("\n**Your chats**\n")
		for _, s := range sessions {
			marker := ""
			if s.Name() == defaultName {
				marker = " (default)"
			}
			b.WriteString(
				fmt.Sprintf(
					"- %s: %s, %d tokens%s\n",
					s.Name(), s.Model().DisplayName(), s.TotalTokens(), marker,
				),
			)
		}
	}
	d.editResponse(i, b.String())
	return nil
}

func (d *Discord) handleLock(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) error {
	opts := discordInteractionOptions(i)
	modelID := opts[chatModelOption].StringValue()
	roleID, _ := opts[lockRoleOption].Value.(string)

	changed, err := d.dj.locks.Grant(ctx, i.GuildID, modelID, roleID)
	if err != nil {
		return err
	}
	if !changed {
		d.editResponse(i, "That role is already on the model's lock list.")
		return nil
	}
	d.editResponse(
		i, fmt.Sprintf(
			"Locked `%s` to <@&%s>. Members need that role (or one ranked above it) to use it.",
			modelID, roleID,
		),
	)
	return nil
}

func (d *Discord) handleUnlock(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) error {
	opts := discordInteractionOptions(i)
	modelID := opts[chatModelOption].StringValue()
	roleID, _ := opts[lockRoleOption].Value.(string)

	changed, err := d.dj.locks.Revoke(ctx, i.GuildID, modelID, roleID)
	if err != nil {
		return err
	}
	if !changed {
		d.editResponse(i, "That role wasn't on the model's lock list.")
		return nil
	}
	d.editResponse(i, fmt.Sprintf("Removed <@&%s> from the `%s` lock list.", roleID, modelID))
	return nil
}
