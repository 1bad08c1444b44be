package whatsapp

import (
	"encoding/json"
	"fmt"
)

// Webhook payload shapes for inbound Cloud API notifications.
// Only the fields the bot consumes are modeled.

type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

type ChangeValue struct {
	MessagingProduct string    `json:"messaging_product"`
	Messages         []Message `json:"messages"`
}

// Message is one inbound user message.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	Timestamp string    `json:"timestamp"`
	Type      string    `json:"type"`
	Text      *Text     `json:"text,omitempty"`
	Document  *Document `json:"document,omitempty"`
	Image     *Media    `json:"image,omitempty"`
	Audio     *Media    `json:"audio,omitempty"`
}

type Text struct {
	Body string `json:"body"`
}

type Document struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	Filename string `json:"filename"`
	Caption  string `json:"caption"`
}

type Media struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
}

// ParseWebhookPayload decodes a webhook body and rejects payloads with no
// entries.
func ParseWebhookPayload(body []byte) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("whatsapp: parse webhook payload: %w", err)
	}
	if len(payload.Entry) == 0 {
		return nil, fmt.Errorf("whatsapp: webhook payload has no entries")
	}
	return &payload, nil
}

// InboundMessages flattens the entry/changes nesting into the messages the
// bot should handle. Changes for fields other than "messages" (status
// updates, template events) are skipped.
func (p *WebhookPayload) InboundMessages() []Message {
	var out []Message
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			out = append(out, change.Value.Messages...)
		}
	}
	return out
}
