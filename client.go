package msgsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// Error codes used in REST envelopes.
const (
	CodeNotFound   = "NOT_FOUND"
	CodeBadRequest = "BAD_REQUEST"
	CodeInternal   = "INTERNAL"
)

// ============================================================================
// HTTPBackend
// ============================================================================

// HTTPBackend is a Backend speaking the messaging REST API.
type HTTPBackend struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

var _ Backend = (*HTTPBackend)(nil)

type HTTPOption func(*HTTPBackend)

func WithBaseURL(url string) HTTPOption {
	return func(b *HTTPBackend) { b.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) HTTPOption {
	return func(b *HTTPBackend) { b.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) HTTPOption {
	return func(b *HTTPBackend) { b.httpClient = client }
}

// WithToken sets the bearer token sent on every request.
func WithToken(token string) HTTPOption {
	return func(b *HTTPBackend) { b.token = token }
}

// NewHTTPBackend creates a REST backend client.
func NewHTTPBackend(opts ...HTTPOption) *HTTPBackend {
	b := &HTTPBackend{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BaseURL returns the server root the backend talks to.
func (b *HTTPBackend) BaseURL() string { return b.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (b *HTTPBackend) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, int, error) {
	u := b.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	return data, resp.StatusCode, err
}

// call performs a request and decodes the envelope's data into out.
func (b *HTTPBackend) call(ctx context.Context, method, path string, body any, query map[string]string, out any) error {
	data, status, err := b.doRequest(ctx, method, path, body, query)
	if err != nil {
		return err
	}
	res, err := decodeJSON[apiResult](data)
	if err != nil {
		return fmt.Errorf("%s %s: status %d: %w", method, path, status, err)
	}
	if !res.OK || status >= http.StatusBadRequest {
		apiErr := res.Error
		if apiErr == nil {
			apiErr = &APIError{Code: http.StatusText(status), Message: "request failed"}
		}
		if apiErr.Code == CodeNotFound || status == http.StatusNotFound {
			return fmt.Errorf("%w: %w", ErrNotFound, apiErr)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := res.decode(out); err != nil {
		return fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Backend methods
// ============================================================================

// SendMessageRequest is the body of POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	SenderID string `json:"senderId"`
	Content  string `json:"content"`
}

// DirectConversationRequest is the body of POST /api/conversations/direct.
type DirectConversationRequest struct {
	UserID string `json:"userId"`
	PeerID string `json:"peerId"`
}

// DirectConversationResponse is the data of POST /api/conversations/direct.
type DirectConversationResponse struct {
	ID string `json:"id"`
}

// MarkReadRequest is the body of POST /api/conversations/{id}/read.
type MarkReadRequest struct {
	UserID string `json:"userId"`
}

func (b *HTTPBackend) FetchConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	var out []ConversationSummary
	err := b.call(ctx, http.MethodGet, "/api/conversations", nil, map[string]string{"userId": userID}, &out)
	return out, err
}

func (b *HTTPBackend) FetchMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var out []Message
	err := b.call(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", nil, nil, &out)
	return out, err
}

func (b *HTTPBackend) SendMessage(ctx context.Context, conversationID, senderID, content string) (Message, error) {
	var out Message
	err := b.call(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/messages",
		SendMessageRequest{SenderID: senderID, Content: content}, nil, &out)
	if err == nil && out.ID == "" {
		err = errors.New("server returned a message without id")
	}
	return out, err
}

func (b *HTTPBackend) FindOrCreateConversation(ctx context.Context, userID, peerID string) (string, error) {
	var out DirectConversationResponse
	if err := b.call(ctx, http.MethodPost, "/api/conversations/direct",
		DirectConversationRequest{UserID: userID, PeerID: peerID}, nil, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (b *HTTPBackend) MarkRead(ctx context.Context, conversationID, userID string) error {
	return b.call(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/read",
		MarkReadRequest{UserID: userID}, nil, nil)
}

func (b *HTTPBackend) LookupUser(ctx context.Context, userID string) (UserProfile, error) {
	var out UserProfile
	err := b.call(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID), nil, nil, &out)
	return out, err
}
