package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// SignatureHeader carries the webhook payload signature.
const SignatureHeader = "X-Hub-Signature-256"

const signaturePrefix = "sha256="

// VerifySignature checks the webhook HMAC-SHA256 signature over the raw
// request body. The comparison is constant time.
func VerifySignature(secret string, body []byte, header string) bool {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(header, signaturePrefix)))
}

// WebhookEnvelope is the provider's webhook payload: a batch of entries,
// each carrying changes with inbound messages and/or delivery statuses.
type WebhookEnvelope struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

type WebhookEntry struct {
	ID      string          `json:"id"`
	Changes []WebhookChange `json:"changes"`
}

type WebhookChange struct {
	Field string       `json:"field"`
	Value WebhookValue `json:"value"`
}

type WebhookValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Contacts         []WebhookContact `json:"contacts"`
	Messages         []InboundMessage `json:"messages"`
	Statuses         []StatusUpdate   `json:"statuses"`
}

type WebhookContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// InboundMessage is one message a patient sent. Only the reply shapes
// the templates can produce are modeled; anything else classifies by its
// free text or not at all.
type InboundMessage struct {
	From      string              `json:"from"`
	ID        string              `json:"id"`
	Timestamp string              `json:"timestamp"`
	Type      string              `json:"type"`
	Text      *InboundText        `json:"text,omitempty"`
	Button    *InboundButton      `json:"button,omitempty"`
	Interact  *InboundInteractive `json:"interactive,omitempty"`
	Context   *InboundContext     `json:"context,omitempty"`
}

type InboundText struct {
	Body string `json:"body"`
}

type InboundButton struct {
	Payload string `json:"payload"`
	Text    string `json:"text"`
}

type InboundInteractive struct {
	Type        string        `json:"type"`
	ButtonReply *InboundReply `json:"button_reply,omitempty"`
	ListReply   *InboundReply `json:"list_reply,omitempty"`
}

type InboundReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// InboundContext references the outbound message being replied to.
type InboundContext struct {
	ID string `json:"id"`
}

// StatusUpdate is one delivery receipt for an outbound message.
type StatusUpdate struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// ParseWebhookEnvelope decodes a raw webhook body.
func ParseWebhookEnvelope(body []byte) (*WebhookEnvelope, error) {
	var envelope WebhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}
	return &envelope, nil
}

// EventID derives a stable identifier for the envelope, preferring the
// first message or status id so provider redeliveries map to the same
// event.
func (e *WebhookEnvelope) EventID() string {
	for _, entry := range e.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				if msg.ID != "" {
					return msg.ID
				}
			}
			for _, st := range change.Value.Statuses {
				if st.ID != "" {
					return st.ID + ":" + st.Status
				}
			}
		}
	}
	return ""
}
