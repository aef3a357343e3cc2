package developerjoe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ChatExchange is one completed query/reply pair in a session's readable
// history. Images holds any attachment URLs the query carried - those
// exchanges are shown in transcripts but never replayed as model context.
type ChatExchange struct {
	Query     string    `json:"query"`
	Reply     string    `json:"reply"`
	Tokens    int       `json:"tokens"`
	Images    []string  `json:"images,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatSession is a single named conversation between one user and one
// backend model. Sessions maintain two parallel histories: the readable
// exchange list used for transcripts, and the raw message list replayed
// to the backend on each ask. For text-only sessions the raw list always
// holds exactly two messages per exchange.
//
// A session accepts at most one in-flight ask: concurrent asks fail
// immediately with ErrSessionProcessing rather than queueing.
type ChatSession struct {
	id      string
	name    string
	ownerID string
	guildID string
	model   ChatModel

	ai     *OpenAI
	config *ChatConfig
	logger *slog.Logger

	// processing gates the single in-flight ask
	processing atomic.Bool

	mu        sync.RWMutex
	active    bool
	readable  []ChatExchange
	raw       []openai.ChatCompletionMessage
	tokens    int
	startedAt time.Time
}

func newChatSession(
	name string,
	ownerID string,
	guildID string,
	model ChatModel,
	ai *OpenAI,
	config *ChatConfig,
) *ChatSession {
	c := &ChatSession{
		id:      newSessionID(ownerID),
		name:    name,
		ownerID: ownerID,
		guildID: guildID,
		model:   model,
		ai:      ai,
		config:  config,
	}
	c.logger = slog.Default().With(
		loggerNameKey, "chat_session",
		"session_id", c.id,
		"session_name", c.name,
	)
	return c
}

func (c *ChatSession) ID() string      { return c.id }
func (c *ChatSession) Name() string    { return c.name }
func (c *ChatSession) OwnerID() string { return c.ownerID }
func (c *ChatSession) GuildID() string { return c.guildID }
func (c *ChatSession) Model() ChatModel {
	return c.model
}

// Active reports whether the session still accepts queries. A session
// deactivates when stopped, or when the backend cuts a reply short for
// hitting the model's length limit.
func (c *ChatSession) Active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// IsProcessing reports whether an ask is currently in flight.
func (c *ChatSession) IsProcessing() bool {
	return c.processing.Load()
}

// TotalTokens returns the session's lifetime token count. Clearing the
// conversation history does not reset it.
func (c *ChatSession) TotalTokens() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens
}

// Exchanges returns a copy of the readable history.
func (c *ChatSession) Exchanges() []ChatExchange {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ChatExchange, len(c.readable))
	copy(out, c.readable)
	return out
}

func (c *ChatSession) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", c.id),
		slog.String("name", c.name),
		slog.String("owner_id", c.ownerID),
		slog.String("model", c.model.ID()),
		slog.Bool("active", c.Active()),
		slog.Int("total_tokens", c.TotalTokens()),
	)
}

// start activates the session by sending the configured greeting and
// returning the model's introduction. The greeting exchange is not
// recorded in either history. If the greeting ask fails, the session
// never becomes active.
func (c *ChatSession) start(ctx context.Context) (string, error) {
	reply, err := c.ai.Ask(ctx, c.model, nil, c.config.Greeting, chatRoleSystem)
	if err != nil {
		return "", fmt.Errorf("starting chat: %w", err)
	}
	c.mu.Lock()
	c.active = true
	c.startedAt = time.Now()
	c.tokens += reply.Tokens
	c.mu.Unlock()
	c.logger.InfoContext(ctx, "chat started", "chat", c)
	return reply.Content, nil
}

// beginAsk acquires the single in-flight ask slot and snapshots the raw
// history. Callers must pair a successful beginAsk with endAsk.
func (c *ChatSession) beginAsk() ([]openai.ChatCompletionMessage, error) {
	if !c.processing.CompareAndSwap(false, true) {
		return nil, ErrSessionProcessing
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.active {
		c.processing.Store(false)
		return nil, ErrSessionDisabled
	}
	history := make([]openai.ChatCompletionMessage, len(c.raw))
	copy(history, c.raw)
	return history, nil
}

func (c *ChatSession) endAsk() {
	c.processing.Store(false)
}

// commit appends a completed exchange to both histories and adds its
// token cost to the lifetime counter.
func (c *ChatSession) commit(query string, reply string, tokens int, images []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readable = append(
		c.readable, ChatExchange{
			Query:     query,
			Reply:     reply,
			Tokens:    tokens,
			Images:    images,
			CreatedAt: time.Now(),
		},
	)
	if len(images) == 0 {
		c.raw = append(
			c.raw,
			openai.ChatCompletionMessage{Role: chatRoleUser, Content: query},
			openai.ChatCompletionMessage{Role: chatRoleAssistant, Content: reply},
		)
	}
	c.tokens += tokens
}

// Ask sends one query and waits for the full reply. The exchange is only
// committed to history after the backend answers - a failed ask leaves
// both histories exactly as they were.
func (c *ChatSession) Ask(ctx context.Context, query string) (*AIReply, error) {
	history, err := c.beginAsk()
	if err != nil {
		return nil, err
	}
	defer c.endAsk()

	reply, err := c.ai.Ask(ctx, c.model, history, query, chatRoleUser)
	if err != nil {
		c.logger.WarnContext(ctx, "ask failed", "chat", c, "error", err)
		return nil, err
	}
	c.commit(query, reply.Content, reply.Tokens, nil)
	return reply, nil
}

// AskStream sends one query as a streaming request. onDelta is invoked
// for each content fragment as it arrives, with the cumulative reply so
// far. The assembled reply is committed or discarded according to how
// the stream terminated:
//
//   - a normal finish commits the exchange, like Ask
//   - a length-limited finish discards the exchange, deactivates the
//     session and returns ErrLengthLimitReached; the truncated content
//     is still returned in the reply
//   - a content-filtered finish discards the exchange entirely and
//     returns ErrContentFiltered; the session stays active
func (c *ChatSession) AskStream(
	ctx context.Context,
	query string,
	onDelta func(sofar string),
) (*AIReply, error) {
	history, err := c.beginAsk()
	if err != nil {
		return nil, err
	}
	defer c.endAsk()

	stream, err := c.ai.AskStream(ctx, c.model, history, query, chatRoleUser)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = stream.Close()
	}()

	var content strings.Builder
	for {
		chunk, recvErr := stream.Recv()
		if recvErr != nil {
			c.logger.WarnContext(
				ctx, "stream failed", "chat", c, "error", recvErr,
			)
			return nil, recvErr
		}
		if chunk.Delta != "" {
			content.WriteString(chunk.Delta)
			if onDelta != nil {
				onDelta(content.String())
			}
		}

		switch chunk.Kind {
		case StreamOngoing:
			continue
		case StreamDone:
			reply := &AIReply{Content: content.String(), Tokens: chunk.Tokens}
			c.commit(query, reply.Content, reply.Tokens, nil)
			return reply, nil
		case StreamLengthLimited:
			// The exchange is discarded, not committed. The caller still
			// gets the truncated content in the reply to show the user.
			reply := &AIReply{
				Content: content.String(),
				Tokens:  chunk.Tokens,
				Err:     ErrLengthLimitReached,
			}
			c.mu.Lock()
			c.active = false
			c.mu.Unlock()
			c.logger.WarnContext(
				ctx, "chat deactivated, hit model length limit", "chat", c,
			)
			return reply, ErrLengthLimitReached
		case StreamContentFiltered:
			return nil, ErrContentFiltered
		}
	}
}

// ReadImage sends a query about the given image attachment URLs. The
// exchange is recorded in the readable history only - image turns are
// never replayed as context for later asks.
func (c *ChatSession) ReadImage(
	ctx context.Context,
	query string,
	imageURLs []string,
) (*AIReply, error) {
	if len(imageURLs) == 0 {
		return nil, errors.New("no image attachments given")
	}
	if _, err := c.beginAsk(); err != nil {
		return nil, err
	}
	defer c.endAsk()

	reply, err := c.ai.AskVision(ctx, c.model, query, imageURLs)
	if err != nil {
		return nil, err
	}
	c.commit(query, reply.Content, reply.Tokens, imageURLs)
	return reply, nil
}

// Clear erases both conversation histories. The lifetime token counter
// is untouched, and the session stays active. Clearing an already-empty
// session is a no-op.
func (c *ChatSession) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readable = nil
	c.raw = nil
	c.logger.Info("chat history cleared", "session_id", c.id)
}

// Stop deactivates the session and returns the configured farewell.
// Further asks fail with ErrSessionDisabled. Deleting the session from
// its registry is the caller's job.
func (c *ChatSession) Stop() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
	c.logger.Info("chat stopped", "session_id", c.id)
	return c.config.Farewell
}

// Transcript renders the readable history as plain text, one
// query/reply pair per block, suitable for export as a text attachment.
func (c *ChatSession) Transcript() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var b strings.Builder
	b.WriteString(
		fmt.Sprintf(
			"Chat: %s (model: %s)\nStarted: %s\nTotal tokens: %d\n\n",
			c.name,
			c.model.DisplayName(),
			c.startedAt.Format(time.RFC1123),
			c.tokens,
		),
	)
	for _, e := range c.readable {
		b.WriteString(fmt.Sprintf("User: %s\n", e.Query))
		for _, img := range e.Images {
			b.WriteString(fmt.Sprintf("[image: %s]\n", img))
		}
		b.WriteString(fmt.Sprintf("%s: %s\n\n", c.model.DisplayName(), e.Reply))
	}
	return b.String()
}

// rawHistory returns a copy of the raw message list. Test helper and
// transcript persistence both use it.
func (c *ChatSession) rawHistory() []openai.ChatCompletionMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]openai.ChatCompletionMessage, len(c.raw))
	copy(out, c.raw)
	return out
}
