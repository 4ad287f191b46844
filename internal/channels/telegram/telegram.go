// Package telegram implements the Telegram platform adapter on the Bot API
// webhook: secret-token verification, update normalization and sendMessage.
package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/replydesk/internal/bus"
	"github.com/nextlevelbuilder/replydesk/internal/channels"
	"github.com/nextlevelbuilder/replydesk/internal/config"
)

// SecretTokenHeader is set by Telegram when the webhook was registered with
// a secret_token.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// Bot API limit for sendMessage text.
const maxMessageLength = 4096

// Adapter implements channels.Adapter for a Telegram bot.
type Adapter struct {
	bot         *telego.Bot
	secretToken string
}

// New creates a Telegram adapter from config.
func New(cfg config.TelegramConfig) (*Adapter, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Adapter{bot: bot, secretToken: cfg.SecretToken}, nil
}

// Name returns "telegram".
func (a *Adapter) Name() string { return "telegram" }

// NormalizeInbound checks the webhook secret token and extracts a text
// message update. Edits, service messages and non-text updates are ignorable.
func (a *Adapter) NormalizeInbound(header http.Header, body []byte) (bus.InboundEvent, error) {
	if a.secretToken != "" {
		got := header.Get(SecretTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(a.secretToken)) != 1 {
			return bus.InboundEvent{}, fmt.Errorf("%w: secret token mismatch", channels.ErrUnverifiedSource)
		}
	}

	var update telego.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return bus.InboundEvent{}, fmt.Errorf("%w: %v", channels.ErrMalformedPayload, err)
	}

	msg := update.Message
	if msg == nil {
		return bus.InboundEvent{}, fmt.Errorf("%w: no message in update", channels.ErrIgnorableEvent)
	}
	if msg.Text == "" {
		return bus.InboundEvent{}, fmt.Errorf("%w: non-text message", channels.ErrIgnorableEvent)
	}
	if msg.From == nil {
		return bus.InboundEvent{}, fmt.Errorf("%w: missing sender", channels.ErrMalformedPayload)
	}

	receivedAt := time.Now().UTC()
	if msg.Date > 0 {
		receivedAt = time.Unix(msg.Date, 0).UTC()
	}

	return bus.InboundEvent{
		Platform:          a.Name(),
		ExternalUserID:    strconv.FormatInt(msg.Chat.ID, 10),
		Text:              msg.Text,
		PlatformMessageID: strconv.Itoa(msg.MessageID),
		ReceivedAt:        receivedAt,
	}, nil
}

// Send delivers text via the Bot API.
func (a *Adapter) Send(ctx context.Context, externalUserID, text string) (string, error) {
	chatID, err := strconv.ParseInt(externalUserID, 10, 64)
	if err != nil {
		return "", &channels.SendError{
			Kind: channels.SendPermanent,
			Err:  fmt.Errorf("telegram: invalid chat id %q: %w", externalUserID, err),
		}
	}

	sent, err := a.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), channels.Truncate(text, maxMessageLength)))
	if err != nil {
		return "", classifySendError(err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func classifySendError(err error) *channels.SendError {
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.ErrorCode == http.StatusTooManyRequests:
			retryAfter := time.Duration(0)
			if apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
				retryAfter = time.Duration(apiErr.Parameters.RetryAfter) * time.Second
			}
			return &channels.SendError{Kind: channels.SendRateLimited, RetryAfter: retryAfter, Err: err}
		case apiErr.ErrorCode == http.StatusForbidden, apiErr.ErrorCode == http.StatusBadRequest:
			// Blocked by user, chat not found, malformed request.
			return &channels.SendError{Kind: channels.SendPermanent, Err: err}
		case apiErr.ErrorCode >= 500:
			return &channels.SendError{Kind: channels.SendTransient, Err: err}
		default:
			return &channels.SendError{Kind: channels.SendPermanent, Err: err}
		}
	}
	// Network-level failure.
	return &channels.SendError{Kind: channels.SendTransient, Err: err}
}
