// Package viber implements the Viber platform adapter: webhook signature
// verification, message-event normalization and the send_message REST call.
package viber

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/replydesk/internal/bus"
	"github.com/nextlevelbuilder/replydesk/internal/channels"
	"github.com/nextlevelbuilder/replydesk/internal/config"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
	SignatureHeader = "X-Viber-Content-Signature"

	authTokenHeader = "X-Viber-Auth-Token"
	defaultAPIBase  = "https://chatapi.viber.com"
)

// Send-message response statuses that must not be retried:
// invalid token, receiver not registered / not subscribed, account blocked.
var permanentStatuses = map[int]bool{2: true, 5: true, 6: true, 7: true}

// Viber's "too many requests" status.
const statusTooManyRequests = 12

// Viber rejects text messages over 7000 characters.
const maxMessageLength = 7000

// Adapter implements channels.Adapter for Viber bot accounts.
type Adapter struct {
	authToken  string
	senderName string
	apiBase    string
	client     *http.Client
}

// New creates a Viber adapter from config.
func New(cfg config.ViberConfig) *Adapter {
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	senderName := cfg.SenderName
	if senderName == "" {
		senderName = "Support"
	}
	return &Adapter{
		authToken:  cfg.AuthToken,
		senderName: senderName,
		apiBase:    apiBase,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

// Name returns "viber".
func (a *Adapter) Name() string { return "viber" }

type webhookPayload struct {
	Event        string `json:"event"`
	Timestamp    int64  `json:"timestamp"`
	MessageToken int64  `json:"message_token"`
	Sender       struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"sender"`
	Message struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"message"`
}

// NormalizeInbound verifies the content signature and extracts a message
// event. Delivery receipts, seen events and webhook pings are ignorable.
func (a *Adapter) NormalizeInbound(header http.Header, body []byte) (bus.InboundEvent, error) {
	if err := a.verifySignature(header.Get(SignatureHeader), body); err != nil {
		return bus.InboundEvent{}, err
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return bus.InboundEvent{}, fmt.Errorf("%w: %v", channels.ErrMalformedPayload, err)
	}

	if payload.Event != "message" {
		return bus.InboundEvent{}, fmt.Errorf("%w: event %q", channels.ErrIgnorableEvent, payload.Event)
	}
	if payload.Message.Type != "text" {
		return bus.InboundEvent{}, fmt.Errorf("%w: message type %q", channels.ErrIgnorableEvent, payload.Message.Type)
	}
	if payload.Sender.ID == "" || payload.Message.Text == "" {
		return bus.InboundEvent{}, fmt.Errorf("%w: missing sender id or text", channels.ErrMalformedPayload)
	}

	receivedAt := time.Now().UTC()
	if payload.Timestamp > 0 {
		receivedAt = time.UnixMilli(payload.Timestamp).UTC()
	}

	return bus.InboundEvent{
		Platform:          a.Name(),
		ExternalUserID:    payload.Sender.ID,
		Text:              payload.Message.Text,
		PlatformMessageID: strconv.FormatInt(payload.MessageToken, 10),
		ReceivedAt:        receivedAt,
	}, nil
}

func (a *Adapter) verifySignature(signature string, body []byte) error {
	if signature == "" {
		return fmt.Errorf("%w: missing %s header", channels.ErrUnverifiedSource, SignatureHeader)
	}
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: malformed signature", channels.ErrUnverifiedSource)
	}
	mac := hmac.New(sha256.New, []byte(a.authToken))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), expected) {
		return fmt.Errorf("%w: signature mismatch", channels.ErrUnverifiedSource)
	}
	return nil
}

// Sign computes the content signature for a body. Exposed for tests and for
// the webhook registration helper.
func Sign(authToken string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(authToken))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type sendRequest struct {
	Receiver string `json:"receiver"`
	Type     string `json:"type"`
	Text     string `json:"text"`
	Sender   struct {
		Name string `json:"name"`
	} `json:"sender"`
}

type sendResponse struct {
	Status        int    `json:"status"`
	StatusMessage string `json:"status_message"`
	MessageToken  int64  `json:"message_token"`
}

// Send delivers text via the Viber send_message API.
func (a *Adapter) Send(ctx context.Context, externalUserID, text string) (string, error) {
	text = channels.Truncate(text, maxMessageLength)
	reqBody := sendRequest{Receiver: externalUserID, Type: "text", Text: text}
	reqBody.Sender.Name = a.senderName

	data, err := json.Marshal(reqBody)
	if err != nil {
		return "", &channels.SendError{Kind: channels.SendPermanent, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+"/pa/send_message", bytes.NewReader(data))
	if err != nil {
		return "", &channels.SendError{Kind: channels.SendPermanent, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(authTokenHeader, a.authToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", &channels.SendError{Kind: channels.SendTransient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &channels.SendError{
			Kind:       channels.SendRateLimited,
			RetryAfter: retryAfter(resp),
			Err:        fmt.Errorf("viber: http 429"),
		}
	}
	if resp.StatusCode >= 500 {
		return "", &channels.SendError{Kind: channels.SendTransient, Err: fmt.Errorf("viber: http %d", resp.StatusCode)}
	}

	var sendResp sendResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&sendResp); err != nil {
		return "", &channels.SendError{Kind: channels.SendTransient, Err: fmt.Errorf("viber: decode response: %w", err)}
	}

	switch {
	case sendResp.Status == 0:
		return strconv.FormatInt(sendResp.MessageToken, 10), nil
	case sendResp.Status == statusTooManyRequests:
		return "", &channels.SendError{
			Kind:       channels.SendRateLimited,
			RetryAfter: retryAfter(resp),
			Err:        fmt.Errorf("viber: status %d: %s", sendResp.Status, sendResp.StatusMessage),
		}
	case permanentStatuses[sendResp.Status]:
		return "", &channels.SendError{
			Kind: channels.SendPermanent,
			Err:  fmt.Errorf("viber: status %d: %s", sendResp.Status, sendResp.StatusMessage),
		}
	default:
		return "", &channels.SendError{
			Kind: channels.SendTransient,
			Err:  fmt.Errorf("viber: status %d: %s", sendResp.Status, sendResp.StatusMessage),
		}
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
