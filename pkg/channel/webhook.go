package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aretw0/weft/pkg/domain"
)

// WebhookFactory builds webhook:<url> destinations that POST JSON to url.
// Replies come back out of band; when replyBase is set, prompts carry a
// reply_url pointing at the HTTP adapter's resume route.
func WebhookFactory(client *http.Client, replyBase string) Factory {
	if client == nil {
		client = http.DefaultClient
	}
	return func(key Key) (Destination, error) {
		u, err := url.Parse(key.Rest)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: webhook target must be an http(s) url: %q", ErrInvalidKey, key.Rest)
		}
		return &Webhook{key: key, url: u.String(), client: client, replyBase: strings.TrimRight(replyBase, "/")}, nil
	}
}

// Webhook posts messages and prompts to an HTTP endpoint.
type Webhook struct {
	key       Key
	url       string
	client    *http.Client
	replyBase string
}

type webhookMessage struct {
	RunID  string `json:"run_id,omitempty"`
	NodeID string `json:"node_id,omitempty"`
	Text   string `json:"text"`
}

type webhookPrompt struct {
	CorrelatorID string            `json:"correlator_id"`
	RunID        string            `json:"run_id,omitempty"`
	NodeID       string            `json:"node_id,omitempty"`
	Kind         domain.ResumeKind `json:"kind"`
	Prompt       string            `json:"prompt"`
	Choices      []string          `json:"choices,omitempty"`
	ReplyURL     string            `json:"reply_url,omitempty"`
}

func (w *Webhook) Key() Key { return w.key }

func (w *Webhook) Capabilities() Capabilities {
	return Capabilities{CapOutput, CapInput, CapChoice}
}

func (w *Webhook) Send(ctx context.Context, msg Message) error {
	return w.post(ctx, webhookMessage{RunID: msg.RunID, NodeID: msg.NodeID, Text: msg.Text})
}

func (w *Webhook) Ask(ctx context.Context, p Prompt) error {
	return w.post(ctx, w.prompt(p))
}

func (w *Webhook) Choose(ctx context.Context, p Prompt) error {
	return w.post(ctx, w.prompt(p))
}

func (w *Webhook) prompt(p Prompt) webhookPrompt {
	out := webhookPrompt{
		CorrelatorID: p.CorrelatorID,
		RunID:        p.RunID,
		NodeID:       p.NodeID,
		Kind:         p.Kind,
		Prompt:       p.Text,
		Choices:      p.Choices,
	}
	if w.replyBase != "" {
		out.ReplyURL = w.replyBase + "/v1/continuations/" + url.PathEscape(p.CorrelatorID) + "/resume"
	}
	return out
}

func (w *Webhook) post(ctx context.Context, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s answered %s", w.url, resp.Status)
	}
	return nil
}
