package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/markis/dify-relay/internal/config"
)

// ErrMissingAPIKey is returned when no API key could be resolved.
var ErrMissingAPIKey = errors.New("dify API key is not configured")

// APIError is a non-2xx answer from the upstream API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dify API request failed with status %d: %s", e.StatusCode, e.Body)
}

// File references an uploaded or remote file attached to a chat message.
type File struct {
	Type           string `json:"type"`
	TransferMethod string `json:"transfer_method"`
	URL            string `json:"url,omitempty"`
	UploadFileID   string `json:"upload_file_id,omitempty"`
}

// ChatRequest is a single chat turn.
type ChatRequest struct {
	Query          string
	Inputs         map[string]any
	User           string
	ConversationID string
	Files          []File
}

// chatPayload is the body sent to the chat-messages endpoint.
type chatPayload struct {
	Query          string         `json:"query"`
	Inputs         map[string]any `json:"inputs"`
	ResponseMode   string         `json:"response_mode"`
	User           string         `json:"user"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Files          []File         `json:"files"`
}

// Client talks to the Dify API.
type Client struct {
	cfg    config.Dify
	apiKey string
	http   *http.Client
	logger logrus.FieldLogger

	stream     *http.Client
	streamOnce sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the shared HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New returns a Client for cfg. It fails when no API key can be found.
func New(cfg config.Dify, opts ...Option) (*Client, error) {
	key, err := ResolveAPIKey(cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		apiKey: key,
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var (
	sharedTransport     *http.Transport
	sharedTransportOnce sync.Once
)

// getTransport returns the process-wide transport, built once.
func getTransport() *http.Transport {
	sharedTransportOnce.Do(func() {
		transport := &http.Transport{
			MaxIdleConns:       100,
			IdleConnTimeout:    90 * time.Second,
			DisableCompression: false,
			DisableKeepAlives:  false,
			ForceAttemptHTTP2:  true,
		}

		// Add context-aware dial options
		transport.DialContext = (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext

		sharedTransport = transport
	})
	return sharedTransport
}

// getHTTPClient returns an HTTP client for a request whose whole exchange,
// body included, is bounded by the configured timeout or the context
// deadline.
func (c *Client) getHTTPClient(ctx context.Context) *http.Client {
	if c.http != nil {
		return c.http
	}

	client := &http.Client{Transport: getTransport()}
	// Check if there's a timeout in the context
	if deadline, ok := ctx.Deadline(); ok {
		client.Timeout = time.Until(deadline)
	} else {
		client.Timeout = c.cfg.Timeout
	}
	return client
}

// getStreamingClient returns the HTTP client for streaming answers. The
// configured timeout only bounds the wait for response headers; the body
// may stream for as long as the context allows.
func (c *Client) getStreamingClient() *http.Client {
	if c.http != nil {
		return c.http
	}

	c.streamOnce.Do(func() {
		transport := getTransport().Clone()
		transport.ResponseHeaderTimeout = c.cfg.Timeout
		c.stream = &http.Client{Transport: transport}
	})
	return c.stream
}

// DefaultUser returns a fresh anonymous user identifier.
func DefaultUser() string {
	return "user-" + uuid.NewString()
}

// ValidConversationID reports whether id can be sent upstream.
func ValidConversationID(id string) bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// prepareInput builds the chat-messages payload.
func (c *Client) prepareInput(req ChatRequest) chatPayload {
	payload := chatPayload{
		Query:        req.Query,
		Inputs:       req.Inputs,
		ResponseMode: "streaming",
		User:         req.User,
		Files:        req.Files,
	}
	if payload.Inputs == nil {
		payload.Inputs = map[string]any{}
	}
	if payload.Files == nil {
		payload.Files = []File{}
	}
	if payload.User == "" {
		payload.User = c.cfg.User
	}
	if payload.User == "" {
		payload.User = DefaultUser()
	}

	if ValidConversationID(req.ConversationID) {
		payload.ConversationID = req.ConversationID
	} else if req.ConversationID != "" {
		c.logger.WithField("conversation_id", req.ConversationID).Warn("invalid conversation_id format, ignoring")
	}

	return payload
}

// ChatMessages starts a streaming chat turn and returns the raw SSE body.
// The caller must close it.
func (c *Client) ChatMessages(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	data, err := json.Marshal(c.prepareInput(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ChatURL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.getStreamingClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, readAPIError(resp)
	}

	return resp.Body, nil
}

// readAPIError drains and closes resp.
func readAPIError(resp *http.Response) error {
	defer func() {
		_ = resp.Body.Close()
	}()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return &APIError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
}
