// Package restapi is the bearer-authenticated client for the backend of
// record: conversation list and fetch, mark-as-read, and message send.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vetalia/chat-sync/internal/model"
	"github.com/vetalia/chat-sync/pkg/logger"
	"github.com/vetalia/chat-sync/pkg/metrics"
)

// ErrUnauthorized marks an invalid or expired credential. It is never
// retried; the caller must re-authenticate.
var ErrUnauthorized = errors.New("unauthorized")

// Client talks to the backend of record. All calls carry the bearer
// credential; its issuance and renewal happen elsewhere.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *logger.Logger
	tracer  trace.Tracer
}

// New creates a REST client for the given base URL and bearer credential.
func New(baseURL, token string, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log,
		tracer:  otel.Tracer("github.com/vetalia/chat-sync/internal/restapi"),
	}
}

// ListConversations fetches the role-scoped conversation list.
func (c *Client) ListConversations(ctx context.Context, role model.Role) ([]model.Conversation, error) {
	var resp model.ListConversationsResponse
	path := fmt.Sprintf("/conversations?role=%s", role)
	if err := c.do(ctx, "list_conversations", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// GetConversation fetches one conversation with embedded messages and the
// linked appointment, if any.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*model.ConversationWithMessages, error) {
	var resp model.ConversationWithMessages
	path := "/conversations/" + conversationID
	if err := c.do(ctx, "get_conversation", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MarkRead issues the read receipt for a conversation.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := "/conversations/" + conversationID + "/read"
	return c.do(ctx, "mark_read", http.MethodPut, path, nil, nil)
}

// SendMessage posts a message (text and/or a single image reference).
func (c *Client) SendMessage(ctx context.Context, conversationID string, req model.SendMessageRequest) (*model.Message, error) {
	var resp model.SendMessageResponse
	path := "/conversations/" + conversationID + "/messages"
	if err := c.do(ctx, "send_message", http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

func (c *Client) do(ctx context.Context, operation, method, path string, body, out any) error {
	ctx, span := c.tracer.Start(ctx, operation, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	))
	defer span.End()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	duration := time.Since(start).Seconds()
	if err != nil {
		metrics.RecordRESTCall(operation, "transport_error", duration)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s request failed: %w", operation, err)
	}
	defer resp.Body.Close()

	metrics.RecordRESTCall(operation, strconv.Itoa(resp.StatusCode), duration)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		span.SetStatus(codes.Error, "unauthorized")
		return fmt.Errorf("%s: %w", operation, ErrUnauthorized)
	case resp.StatusCode >= 400:
		span.SetStatus(codes.Error, resp.Status)
		return fmt.Errorf("%s returned %s: %w", operation, resp.Status, errorBody(resp))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", operation, err)
		}
	}
	return nil
}

func errorBody(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		return errors.New(payload.Error)
	}
	return errors.New("request rejected")
}
