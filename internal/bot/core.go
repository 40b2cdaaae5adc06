// Package bot holds the front-end-agnostic core of the relay: it
// persists conversation turns, renders prompts, streams completions and
// enforces per-user rate limits. Plug a front end to make it useful.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"unllamabot/internal/chat"
	"unllamabot/internal/config"
	"unllamabot/internal/llama"
	"unllamabot/internal/models"
	"unllamabot/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrRateLimited     = errors.New("user is sending prompts too fast")
	ErrEmptyPrompt     = errors.New("prompt is empty")
	ErrNothingToRewind = errors.New("no exchange to rewind")
	ErrUnknownPreset   = errors.New("unknown system prompt preset")
)

// Bot wires the store, the inference client and the chat formatter.
type Bot struct {
	cfg       *config.Config
	store     *storage.Store
	llama     *llama.Client
	formatter *chat.Formatter
	log       *zap.Logger
	hub       *EventHub

	limitersMu sync.Mutex
	limiters   map[int64]*rate.Limiter

	propsMu sync.Mutex
	props   *llama.Props
}

func New(cfg *config.Config, store *storage.Store, client *llama.Client, formatter *chat.Formatter, log *zap.Logger) *Bot {
	return &Bot{
		cfg:       cfg,
		store:     store,
		llama:     client,
		formatter: formatter,
		log:       log,
		hub:       NewEventHub(),
		limiters:  make(map[int64]*rate.Limiter),
	}
}

func (b *Bot) Events() *EventHub          { return b.hub }
func (b *Bot) Store() *storage.Store      { return b.store }
func (b *Bot) Config() *config.Config     { return b.cfg }
func (b *Bot) Formatter() *chat.Formatter { return b.formatter }

// Healthy checks the inference server.
func (b *Bot) Healthy(ctx context.Context) error {
	return b.llama.Health(ctx)
}

// Props returns the cached model properties, fetching them on first use.
func (b *Bot) Props(ctx context.Context) (*llama.Props, error) {
	b.propsMu.Lock()
	defer b.propsMu.Unlock()
	if b.props != nil {
		return b.props, nil
	}
	props, err := b.llama.Props(ctx)
	if err != nil {
		return nil, err
	}
	b.props = props
	return props, nil
}

// Refresh drops the cached model properties and fetches them again, for
// use after swapping the model behind the server.
func (b *Bot) Refresh(ctx context.Context) (*llama.Props, error) {
	b.propsMu.Lock()
	b.props = nil
	b.propsMu.Unlock()
	return b.Props(ctx)
}

func (b *Bot) limiter(userID int64) *rate.Limiter {
	b.limitersMu.Lock()
	defer b.limitersMu.Unlock()

	limiter, exists := b.limiters[userID]
	if !exists {
		perMinute := b.cfg.Bot.RateLimitPerMinute
		if perMinute <= 0 {
			limiter = rate.NewLimiter(rate.Inf, 1)
		} else {
			limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
		}
		b.limiters[userID] = limiter
	}
	return limiter
}

// ProcessMessage relays one user prompt to the inference server and
// streams the buffered response through emit. The user turn and the
// complete assistant response are persisted; the user's system prompt is
// inserted on first contact.
func (b *Bot) ProcessMessage(ctx context.Context, userID int64, content string, emit func(llama.ResponseChunk) error) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyPrompt
	}
	if !b.limiter(userID).Allow() {
		return ErrRateLimited
	}

	user, err := b.store.GetOrCreateUser(userID)
	if err != nil {
		return err
	}

	hasMessages, err := b.store.UserHasMessages(userID)
	if err != nil {
		return err
	}
	if !hasMessages {
		if err := b.store.AddMessage(userID, models.RoleSystem, user.SystemPrompt, time.Time{}, true); err != nil {
			return err
		}
	}
	if err := b.store.AddMessage(userID, models.RoleUser, content, time.Time{}, true); err != nil {
		return err
	}

	messages, err := b.store.GetUserMessages(userID)
	if err != nil {
		return err
	}
	prompt, err := b.formatter.Render(messages)
	if err != nil {
		return err
	}

	generationID := uuid.NewString()
	log := b.log.With(zap.String("generation_id", generationID), zap.Int64("user_id", userID))
	log.Info("starting completion",
		zap.Int("history_messages", len(messages)),
		zap.Int("prompt_chars", len(prompt)))
	b.hub.publish(Event{Type: EventGenerationStarted, GenerationID: generationID, UserID: userID, Content: content})

	var emitErr error
	var response string
	splitter := llama.NewStreamSplitter(b.cfg.Messages.LengthLimit, func(chunk llama.ResponseChunk) {
		if chunk.EndOfResponse {
			response = chunk.Response
		}
		if chunk.Chunk != "" {
			b.hub.publish(Event{Type: EventGenerationChunk, GenerationID: generationID, UserID: userID, Content: chunk.Chunk})
		}
		if emitErr == nil {
			emitErr = emit(chunk)
		}
	})

	err = b.llama.Complete(ctx, llama.RequestForUser(prompt, user), func(chunk llama.CompletionChunk) error {
		splitter.Add(chunk.Content)
		return emitErr
	})
	if err == nil {
		err = emitErr
	}
	if err != nil {
		log.Error("completion failed", zap.Error(err))
		b.hub.publish(Event{Type: EventGenerationFailed, GenerationID: generationID, UserID: userID, Error: err.Error()})
		return err
	}

	splitter.Finish()
	if emitErr != nil {
		b.hub.publish(Event{Type: EventGenerationFailed, GenerationID: generationID, UserID: userID, Error: emitErr.Error()})
		return emitErr
	}

	if err := b.store.AddMessage(userID, models.RoleAssistant, response, time.Time{}, true); err != nil {
		return err
	}
	log.Info("completion finished", zap.Int("response_chars", len(response)))
	b.hub.publish(Event{Type: EventGenerationFinished, GenerationID: generationID, UserID: userID})
	return nil
}

// UserStats describes how much of the model context a user's
// conversation occupies.
type UserStats struct {
	MessagesInHistory  int     `json:"messages_in_history"`
	ChatLengthChars    int     `json:"chat_length_chars"`
	ChatLengthTokens   int     `json:"chat_length_tokens"`
	ContextLength      int     `json:"context_length"`
	ContextPercentUsed float64 `json:"context_percent_used"`
}

// UserStats computes conversation statistics for a user.
func (b *Bot) UserStats(ctx context.Context, userID int64) (*UserStats, error) {
	messages, err := b.store.GetUserMessages(userID)
	if err != nil {
		return nil, err
	}
	prompt, err := b.formatter.Render(messages)
	if err != nil {
		return nil, err
	}
	tokens, err := b.llama.Tokenize(ctx, prompt)
	if err != nil {
		return nil, err
	}
	props, err := b.Props(ctx)
	if err != nil {
		return nil, err
	}

	stats := &UserStats{
		MessagesInHistory: len(messages),
		ChatLengthChars:   len(prompt),
		ChatLengthTokens:  len(tokens),
		ContextLength:     props.DefaultGenerationSettings.NCtx,
	}
	if stats.ContextLength > 0 {
		stats.ContextPercentUsed = float64(stats.ChatLengthTokens) / float64(stats.ContextLength) * 100
	}
	return stats, nil
}

// ResetConversation wipes a user's history, starting a fresh session.
func (b *Bot) ResetConversation(userID int64) error {
	return b.store.ClearUserMessages(userID)
}

// RewindLastExchange removes the most recent user/assistant pair, so the
// prompt can be retried without the failed answer in context.
func (b *Bot) RewindLastExchange(userID int64) error {
	messages, err := b.store.GetUserMessages(userID)
	if err != nil {
		return err
	}

	remove := 0
	for i := len(messages) - 1; i >= 0; i-- {
		role := models.NormalizeRole(string(messages[i].Role))
		if role == models.RoleSystem {
			break
		}
		remove++
		if role == models.RoleUser {
			break
		}
	}
	if remove == 0 {
		return ErrNothingToRewind
	}

	for i := 0; i < remove; i++ {
		last := messages[len(messages)-1-i]
		if err := b.store.DeleteUserMessageByPosition(userID, last.Position); err != nil {
			return err
		}
	}
	return nil
}

// SetSystemPrompt changes a user's system prompt (creating the user when
// missing) and rewrites their stored system messages.
func (b *Bot) SetSystemPrompt(userID int64, prompt string) error {
	return b.store.ChangeUserSystemPrompt(userID, prompt, true)
}

// UsePreset applies a named system prompt preset to a user.
func (b *Bot) UsePreset(userID int64, key string) (models.Preset, error) {
	preset, exists := models.GetPreset(key)
	if !exists {
		return models.Preset{}, fmt.Errorf("%w: %s", ErrUnknownPreset, key)
	}
	return preset, b.SetSystemPrompt(userID, preset.Prompt)
}

// SetParameter stores a generation parameter for a user and returns its
// previous and new rendered values.
func (b *Bot) SetParameter(userID int64, name, rawValue string) (old, updated string, err error) {
	return b.store.SetUserParameter(userID, name, rawValue)
}

// SetGlobalSystemPrompt swaps the default system prompt, migrating every
// user still on the old default. Returns the number of migrated users.
func (b *Bot) SetGlobalSystemPrompt(prompt string) (int64, error) {
	return b.store.ChangeGlobalDefaultSystemPrompt(prompt)
}
