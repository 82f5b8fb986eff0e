package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/agenda/internal/bus"
	"github.com/basket/agenda/internal/engine"
	"github.com/basket/agenda/internal/shared"
)

// TurnRunner runs one turn for a session. The engine satisfies it.
type TurnRunner interface {
	ProcessTurn(ctx context.Context, req engine.TurnRequest) (engine.TurnResponse, error)
}

// TelegramChannel connects a Telegram bot to the turn engine. Each message
// is processed synchronously; the response (results or a clarification
// question) is sent back as the reply.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	runner     TurnRunner
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
	eventBus   *bus.Bus
}

// NewTelegramChannel creates a new Telegram channel.
func NewTelegramChannel(token string, allowedIDs []int64, runner TurnRunner, logger *slog.Logger, eventBus *bus.Bus) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		runner:     runner,
		logger:     logger.With("component", "telegram"),
		eventBus:   eventBus,
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	if t.eventBus != nil {
		go t.monitorDigests(ctx)
	}

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2x the long-poll timeout (stall detection).
// Returns nil on context cancellation, or an error to trigger reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5 minutes,
	// the connection is likely dead (the library blocks rather than closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			// Reset stall timer on every received update (including empty long-poll returns).
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	sessionID := SessionIDForUser(msg.From.ID)
	ctx = shared.WithSessionID(shared.WithTraceID(ctx, shared.NewTraceID()), sessionID)

	// Show "typing..." while the oracles work.
	_, _ = t.bot.Request(tgbotapi.NewChatAction(msg.Chat.ID, tgbotapi.ChatTyping))

	resp, err := t.runner.ProcessTurn(ctx, engine.TurnRequest{
		SessionID: sessionID,
		Utterance: content,
		Now:       time.Now(),
	})
	if err != nil {
		t.logger.Error("turn failed", "session", sessionID, "error", err)
		t.reply(msg.Chat.ID, "Something went wrong on my side. Please try again.")
		return
	}

	t.logger.Info("turn processed",
		"session", sessionID,
		"status", string(resp.Status),
		"steps", len(resp.Plan.Steps),
		"issues", len(resp.Issues),
	)
	t.reply(msg.Chat.ID, engine.RenderText(resp))
}

// monitorDigests forwards digest.fired events to the owning chat.
func (t *TelegramChannel) monitorDigests(ctx context.Context) {
	sub := t.eventBus.Subscribe(bus.TopicDigestFired)
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			fired, ok := ev.Payload.(bus.DigestFiredEvent)
			if !ok {
				continue
			}
			chatID, ok := ChatIDForSession(fired.SessionID)
			if !ok {
				// Digest belongs to another channel's session.
				continue
			}
			text := fired.Summary
			if text == "" {
				text = fmt.Sprintf("Your %q digest ran.", fired.Name)
			}
			t.reply(chatID, text)
		}
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}

// SessionIDForUser maps a Telegram user to a persistent session id.
func SessionIDForUser(userID int64) string {
	return fmt.Sprintf("telegram-%d", userID)
}

// ChatIDForSession reverses SessionIDForUser. ok is false for sessions that
// do not belong to the Telegram channel.
func ChatIDForSession(sessionID string) (int64, bool) {
	raw, found := strings.CutPrefix(sessionID, "telegram-")
	if !found {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
