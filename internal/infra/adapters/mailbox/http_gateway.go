// File: internal/infra/adapters/mailbox/http_gateway.go
package mailbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"time"

	"crm-draft-queue/internal/domain"
	"crm-draft-queue/internal/domain/ports/adapter"
	"crm-draft-queue/internal/infra/metrics"
)

var _ adapter.MailboxAPI = (*HTTPGateway)(nil)

// HTTPGateway implements adapter.MailboxAPI against the mailbox service REST API.
// Paths are scoped per owner account: /v1/accounts/{owner}/...
type HTTPGateway struct {
	base   string
	token  string
	client *http.Client
}

func NewHTTPGateway(baseURL, token string, timeout time.Duration) (*HTTPGateway, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid mailbox base url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPGateway{
		base:   strings.TrimRight(baseURL, "/"),
		token:  token,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (g *HTTPGateway) endpoint(ownerID string, parts ...string) string {
	p := "/v1/accounts/" + url.PathEscape(ownerID)
	for _, s := range parts {
		p += "/" + url.PathEscape(s)
	}
	return g.base + p
}

func (g *HTTPGateway) AccountAddress(ctx context.Context, ownerID string) (string, error) {
	var out struct {
		EmailAddress string `json:"email_address"`
	}
	if err := g.do(ctx, "account", http.MethodGet, g.endpoint(ownerID), nil, &out); err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(out.EmailAddress)), nil
}

type wireHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type wireMessage struct {
	ID           string       `json:"id"`
	ThreadID     string       `json:"thread_id"`
	InternalDate string       `json:"internal_date"` // unix millis as string
	Headers      []wireHeader `json:"headers"`
}

func (g *HTTPGateway) ListThreadMessages(ctx context.Context, ownerID, threadID string) ([]adapter.MailMessage, error) {
	var out struct {
		Messages []wireMessage `json:"messages"`
	}
	if err := g.do(ctx, "list_messages", http.MethodGet, g.endpoint(ownerID, "threads", threadID, "messages"), nil, &out); err != nil {
		return nil, err
	}
	msgs := make([]adapter.MailMessage, 0, len(out.Messages))
	for _, w := range out.Messages {
		msgs = append(msgs, normalizeMessage(w))
	}
	return msgs, nil
}

func (g *HTTPGateway) ListDraftsForThread(ctx context.Context, ownerID, threadID string) ([]adapter.ArtifactRef, error) {
	var out struct {
		Drafts []struct {
			ID       string `json:"id"`
			ThreadID string `json:"thread_id"`
			Body     string `json:"body"`
		} `json:"drafts"`
	}
	q := url.Values{"thread_id": {threadID}}
	if err := g.do(ctx, "list_drafts", http.MethodGet, g.endpoint(ownerID, "drafts")+"?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	refs := make([]adapter.ArtifactRef, 0, len(out.Drafts))
	for _, d := range out.Drafts {
		if d.ID == "" {
			continue
		}
		refs = append(refs, adapter.ArtifactRef{ID: d.ID, ThreadID: d.ThreadID, Body: d.Body})
	}
	return refs, nil
}

func (g *HTTPGateway) CreateDraft(ctx context.Context, req adapter.DraftRequest) (adapter.ArtifactRef, error) {
	payload := map[string]any{
		"thread_id":   req.ThreadID,
		"subject":     replySubject(req.Subject),
		"body":        req.Body,
		"to":          req.Reply.To,
		"cc":          req.Reply.Cc,
		"in_reply_to": req.Reply.ReplyToMessageID,
		"references":  req.Reply.References,
	}
	var out struct {
		ID       string `json:"id"`
		ThreadID string `json:"thread_id"`
	}
	if err := g.do(ctx, "create_draft", http.MethodPost, g.endpoint(req.OwnerID, "drafts"), payload, &out); err != nil {
		return adapter.ArtifactRef{}, err
	}
	if out.ID == "" {
		return adapter.ArtifactRef{}, fmt.Errorf("%w: mailbox returned draft without id", domain.ErrOperationFailed)
	}
	if out.ThreadID == "" {
		out.ThreadID = req.ThreadID
	}
	return adapter.ArtifactRef{ID: out.ID, ThreadID: out.ThreadID}, nil
}

func (g *HTTPGateway) SendDraft(ctx context.Context, ownerID, artifactID string) (adapter.SentRef, error) {
	var out struct {
		MessageID string `json:"message_id"`
		ThreadID  string `json:"thread_id"`
	}
	err := g.do(ctx, "send_draft", http.MethodPost, g.endpoint(ownerID, "drafts", artifactID, "send"), map[string]any{}, &out)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return adapter.SentRef{}, fmt.Errorf("%w: draft %s", domain.ErrArtifactNotFound, artifactID)
		}
		return adapter.SentRef{}, err
	}
	return adapter.SentRef{MessageID: out.MessageID, ThreadID: out.ThreadID}, nil
}

// DeleteDraft treats an already missing draft as deleted.
func (g *HTTPGateway) DeleteDraft(ctx context.Context, ownerID, artifactID string) error {
	err := g.do(ctx, "delete_draft", http.MethodDelete, g.endpoint(ownerID, "drafts", artifactID), nil, nil)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

// do sends one request and decodes a JSON answer into out (when non-nil).
// 404 maps to domain.ErrNotFound, 429/5xx and transport errors to
// domain.ErrTransientExternal.
func (g *HTTPGateway) do(ctx context.Context, op, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%w: encode %s: %v", domain.ErrInvalidArgument, op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrOperationFailed, op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		metrics.IncMailboxCall(op, "transport_error")
		return fmt.Errorf("%w: mailbox %s: %v", domain.ErrTransientExternal, op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		metrics.IncMailboxCall(op, "not_found")
		return fmt.Errorf("%w: mailbox %s", domain.ErrNotFound, op)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		metrics.IncMailboxCall(op, "transient")
		return fmt.Errorf("%w: mailbox %s http %d", domain.ErrTransientExternal, op, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		metrics.IncMailboxCall(op, "rejected")
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: mailbox %s http %d: %s", domain.ErrOperationFailed, op, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	metrics.IncMailboxCall(op, "ok")

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", domain.ErrOperationFailed, op, err)
	}
	return nil
}

func normalizeMessage(w wireMessage) adapter.MailMessage {
	m := adapter.MailMessage{ID: w.ID, ThreadID: w.ThreadID}
	var dateHeader string
	for _, h := range w.Headers {
		switch strings.ToLower(h.Name) {
		case "message-id":
			m.MessageIDHeader = strings.TrimSpace(h.Value)
		case "from":
			if addrs := parseAddresses(h.Value); len(addrs) > 0 {
				m.From = addrs[0]
			}
		case "to":
			m.To = parseAddresses(h.Value)
		case "cc":
			m.Cc = parseAddresses(h.Value)
		case "references":
			m.References = strings.Fields(h.Value)
		case "date":
			dateHeader = h.Value
		}
	}
	if ms, err := strconv.ParseInt(w.InternalDate, 10, 64); err == nil && ms > 0 {
		m.SentAt = time.UnixMilli(ms).UTC()
	} else if t, err := mail.ParseDate(dateHeader); err == nil {
		m.SentAt = t.UTC()
	}
	return m
}

// parseAddresses returns bare lower-cased addresses; unparsable entries are
// kept when they look like an address.
func parseAddresses(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if list, err := mail.ParseAddressList(v); err == nil {
		out := make([]string, 0, len(list))
		for _, a := range list {
			out = append(out, strings.ToLower(a.Address))
		}
		return out
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.Trim(strings.TrimSpace(part), "<>")
		if strings.Contains(part, "@") {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}

func replySubject(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(strings.ToLower(s), "re:") {
		return s
	}
	return "Re: " + s
}
