package developerjoe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/pkoukk/tiktoken-go"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const (
	chatRoleUser      = "user"
	chatRoleSystem    = "system"
	chatRoleAssistant = "assistant"
)

// ChatModel is one variant of the closed set of supported backends. The ID
// is the stable logical identifier used as the key throughout the
// permission engine and the session's backend binding - it is 1:1 and
// immutable for a given variant.
type ChatModel struct {
	id       string
	display  string
	apiModel string
	encoding string
}

func (m ChatModel) ID() string          { return m.id }
func (m ChatModel) DisplayName() string { return m.display }

func (m ChatModel) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", m.id),
		slog.String("display_name", m.display),
	)
}

// Encoding returns the tiktoken encoding bound to this model variant.
func (m ChatModel) Encoding() (*tiktoken.Tiktoken, error) {
	return tiktoken.GetEncoding(m.encoding)
}

var (
	ModelGPT35Turbo = ChatModel{
		id:       "gpt-3.5-turbo",
		display:  "GPT 3.5 Turbo",
		apiModel: openai.GPT3Dot5Turbo,
		encoding: "cl100k_base",
	}
	ModelGPT4 = ChatModel{
		id:       "gpt-4",
		display:  "GPT 4",
		apiModel: openai.GPT4,
		encoding: "cl100k_base",
	}
	ModelGPT4Turbo = ChatModel{
		id:       "gpt-4-turbo",
		display:  "GPT 4 Turbo",
		apiModel: openai.GPT4Turbo,
		encoding: "cl100k_base",
	}
)

// ChatModels lists every supported variant, in display order.
func ChatModels() []ChatModel {
	return []ChatModel{ModelGPT35Turbo, ModelGPT4, ModelGPT4Turbo}
}

// ChatModelByID resolves a logical model identifier to its variant.
func ChatModelByID(id string) (ChatModel, error) {
	for _, m := range ChatModels() {
		if m.id == id {
			return m, nil
		}
	}
	return ChatModel{}, fmt.Errorf("%w: %q", ErrModelNotFound, id)
}

// AIReply is the final result of a non-streaming ask.
type AIReply struct {
	Content string
	Tokens  int
	Err     error
}

// OpenAIClient defines the subset of the OpenAI API used for one-shot
// asks. It exists to enable mocking in tests.
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)
}

// OpenAI is the model adapter over the OpenAI API. It owns the client,
// the outbound request limiter, and the streaming transport. History
// serialization never mutates the caller's state - committing an exchange
// is the session's job, after a successful reply.
type OpenAI struct {
	client         OpenAIClient
	httpClient     *http.Client
	config         *OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter

	mu *sync.RWMutex // primarily just protects requestLimiter
}

func newOpenAI(config *OpenAIConfig, httpClient *http.Client) *OpenAI {
	o := &OpenAI{
		config:     config,
		httpClient: httpClient,
		mu:         &sync.RWMutex{},
	}
	o.logger = slog.New(newLogHandler(config.LogLevel)).With(
		loggerNameKey, "openai",
	)
	if o.httpClient == nil {
		o.httpClient = http.DefaultClient
	}

	rps := config.MaxRequestsPerSecond
	if rps <= 0 {
		rps = DefaultOpenAIMaxRequestsPerSecond
	}
	o.requestLimiter = rate.NewLimiter(rate.Limit(rps), rps)

	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = config.BaseURL
	}
	clientCfg.HTTPClient = o.httpClient
	o.client = openai.NewClientWithConfig(clientCfg)

	return o
}

// tokenCounter returns a counting function for the given model. If the
// encoding can't be loaded (e.g. no cached BPE data), falls back to a
// rough estimate rather than failing the request.
func (o *OpenAI) tokenCounter(model ChatModel) func(string) int {
	enc, err := model.Encoding()
	if err != nil {
		o.logger.Warn(
			"token encoding unavailable, estimating",
			"model", model,
			tint.Err(err),
		)
		return estimateTokens
	}
	return func(s string) int {
		return len(enc.Encode(s, nil, nil))
	}
}

// estimateTokens approximates the OpenAI tokenizer's output for plain
// English text.
func estimateTokens(s string) int {
	n := len(s) / 4
	if n == 0 && s != "" {
		n = 1
	}
	return n
}

// buildMessages serializes the session's raw history plus the new query
// into the backend's request shape. The caller's slice is never modified.
func buildMessages(
	history []openai.ChatCompletionMessage,
	query string,
	role string,
) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(
		messages, openai.ChatCompletionMessage{Role: role, Content: query},
	)
	return messages
}

// Ask issues one non-streaming chat completion and waits for the full
// structured reply.
func (o *OpenAI) Ask(
	ctx context.Context,
	model ChatModel,
	history []openai.ChatCompletionMessage,
	query string,
	role string,
) (*AIReply, error) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = o.logger
	}

	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendConnection, err)
	}

	started := time.Now()
	resp, err := o.client.CreateChatCompletion(
		ctx, openai.ChatCompletionRequest{
			Model:    model.apiModel,
			Messages: buildMessages(history, query, role),
		},
	)
	if err != nil {
		mapped := mapBackendError(err)
		logger.ErrorContext(
			ctx,
			"chat completion failed",
			"model", model,
			"elapsed", time.Since(started),
			tint.Err(err),
		)
		return nil, mapped
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty choices", ErrBackendInvalidRequest)
	}

	reply := &AIReply{
		Content: resp.Choices[0].Message.Content,
		Tokens:  resp.Usage.TotalTokens,
	}
	logger.InfoContext(
		ctx,
		"chat completion",
		"model", model,
		"elapsed", time.Since(started),
		"total_tokens", reply.Tokens,
	)
	return reply, nil
}

// AskVision issues a non-streaming completion whose user turn carries
// image URLs alongside the query text.
func (o *OpenAI) AskVision(
	ctx context.Context,
	model ChatModel,
	query string,
	imageURLs []string,
) (*AIReply, error) {
	parts := make([]openai.ChatMessagePart, 0, len(imageURLs)+1)
	parts = append(
		parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: query,
		},
	)
	for _, u := range imageURLs {
		parts = append(
			parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: u},
			},
		)
	}

	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendConnection, err)
	}

	resp, err := o.client.CreateChatCompletion(
		ctx, openai.ChatCompletionRequest{
			Model: model.apiModel,
			Messages: []openai.ChatCompletionMessage{
				{Role: chatRoleUser, MultiContent: parts},
			},
		},
	)
	if err != nil {
		return nil, mapBackendError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty choices", ErrBackendInvalidRequest)
	}
	return &AIReply{
		Content: resp.Choices[0].Message.Content,
		Tokens:  resp.Usage.TotalTokens,
	}, nil
}

// AskStream issues the streaming variant of Ask. The adapter only issues
// the request - chunk framing is the stream decoder's job, so this works
// from any byte-oriented transport.
func (o *OpenAI) AskStream(
	ctx context.Context,
	model ChatModel,
	history []openai.ChatCompletionMessage,
	query string,
	role string,
) (*ResponseStream, error) {
	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendConnection, err)
	}

	payload, err := json.Marshal(
		openai.ChatCompletionRequest{
			Model:    model.apiModel,
			Messages: buildMessages(history, query, role),
			Stream:   true,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendInvalidRequest, err)
	}

	baseURL := o.config.BaseURL
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		baseURL+"/chat/completions",
		bytes.NewReader(payload),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendConnection, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+o.config.Token)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendConnection, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, mapBackendStatus(resp.StatusCode, string(body))
	}

	return &ResponseStream{
		dec:   newStreamDecoder(resp.Body),
		body:  resp.Body,
		count: o.tokenCounter(model),
	}, nil
}

// waitOnRequestLimiter waits for the request limiter to allow the next
// request, returning any error from the limiter itself.
func (o *OpenAI) waitOnRequestLimiter(ctx context.Context) error {
	// RUnlock isn't deferred here - `rate.Limiter` does not specify that
	// it's safe to concurrently call `Wait` and `SetLimit`.
	o.mu.RLock()
	requestLimiter := o.requestLimiter
	o.mu.RUnlock()
	return requestLimiter.Wait(ctx)
}

// mapBackendError translates a go-openai client error into one of the
// core's backend error kinds.
func mapBackendError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return mapBackendStatus(apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return mapBackendStatus(reqErr.HTTPStatusCode, reqErr.Error())
	}
	return fmt.Errorf("%w: %v", ErrBackendConnection, err)
}

func mapBackendStatus(status int, detail string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrBackendRateLimited, detail)
	case status >= 500:
		return fmt.Errorf("%w: %s", ErrBackendUnavailable, detail)
	case status >= 400:
		return fmt.Errorf("%w: %s", ErrBackendInvalidRequest, detail)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrBackendConnection, status, detail)
	}
}
