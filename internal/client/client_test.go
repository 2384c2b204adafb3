package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markis/dify-relay/internal/config"
)

const testConversationID = "3f1c7a3e-8a0b-4e8f-9a53-2b9f2c0d6e11"

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	t.Setenv(config.EnvAPIKey, "")
	c, err := New(config.Dify{
		ChatURL:   srv.URL + "/v1/chat-messages",
		UploadURL: srv.URL + "/v1/files/upload",
		APIKey:    "app-test",
		Timeout:   10 * time.Second,
	}, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c
}

func TestChatMessages_SendsStreamingRequest(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat-messages", r.URL.Path)
		assert.Equal(t, "Bearer app-test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"event\":\"message\",\"answer\":\"Hi\"}\n\n")
	}))
	defer srv.Close()

	body, err := newTestClient(t, srv).ChatMessages(context.Background(), ChatRequest{
		Query:          "hello",
		User:           "user-1",
		ConversationID: testConversationID,
		Files:          []File{{Type: "image", TransferMethod: "local_file", UploadFileID: "f1"}},
	})
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "data: {\"event\":\"message\",\"answer\":\"Hi\"}\n\n", string(data))

	assert.Equal(t, "hello", got["query"])
	assert.Equal(t, "streaming", got["response_mode"])
	assert.Equal(t, "user-1", got["user"])
	assert.Equal(t, testConversationID, got["conversation_id"])
	assert.Equal(t, map[string]any{}, got["inputs"])
	assert.Equal(t, []any{map[string]any{
		"type":            "image",
		"transfer_method": "local_file",
		"upload_file_id":  "f1",
	}}, got["files"])
}

func TestChatMessages_DropsInvalidConversationID(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	body, err := newTestClient(t, srv).ChatMessages(context.Background(), ChatRequest{
		Query:          "hello",
		ConversationID: "not-a-uuid",
	})
	require.NoError(t, err)
	body.Close()

	_, present := got["conversation_id"]
	assert.False(t, present)
	assert.True(t, strings.HasPrefix(got["user"].(string), "user-"))
	assert.Equal(t, []any{}, got["files"])
}

func TestChatMessages_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":"invalid_param","message":"query is required"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).ChatMessages(context.Background(), ChatRequest{})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "query is required")
}

func newSharedTransportClient(t *testing.T, srv *httptest.Server, timeout time.Duration) *Client {
	t.Helper()
	t.Setenv(config.EnvAPIKey, "")
	c, err := New(config.Dify{
		ChatURL: srv.URL + "/v1/chat-messages",
		APIKey:  "app-test",
		Timeout: timeout,
	})
	require.NoError(t, err)
	return c
}

func TestChatMessages_TimeoutDoesNotCutLongStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"event\":\"message\",\"answer\":\"a\"}\n\n")
		w.(http.Flusher).Flush()
		time.Sleep(300 * time.Millisecond)
		_, _ = io.WriteString(w, "data: {\"event\":\"message_end\"}\n\n")
	}))
	defer srv.Close()

	body, err := newSharedTransportClient(t, srv, 100*time.Millisecond).ChatMessages(context.Background(), ChatRequest{Query: "hi"})
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "message_end")
}

func TestChatMessages_TimeoutBoundsResponseHeaders(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := newSharedTransportClient(t, srv, 100*time.Millisecond).ChatMessages(context.Background(), ChatRequest{Query: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestValidConversationID(t *testing.T) {
	assert.True(t, ValidConversationID(testConversationID))
	assert.False(t, ValidConversationID(""))
	assert.False(t, ValidConversationID("abc123"))
}

func TestDefaultUser(t *testing.T) {
	a, b := DefaultUser(), DefaultUser()
	assert.True(t, strings.HasPrefix(a, "user-"))
	assert.NotEqual(t, a, b)
}

func TestUploadFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/files/upload", r.URL.Path)
		assert.Equal(t, "Bearer app-test", r.Header.Get("Authorization"))

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "user-9", r.FormValue("user"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "report.txt", hdr.Filename)
		assert.Equal(t, "text/plain", hdr.Header.Get("Content-Type"))
		assert.Equal(t, "file body", string(data))

		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"file-123","name":"report.txt"}`)
	}))
	defer srv.Close()

	up, err := newTestClient(t, srv).UploadFile(context.Background(), FileUpload{
		Name:        "report.txt",
		ContentType: "text/plain",
		Size:        9,
		User:        "user-9",
		Body:        strings.NewReader("file body"),
	})
	require.NoError(t, err)
	assert.Equal(t, &UploadedFile{
		ID:             "file-123",
		Name:           "report.txt",
		Type:           "text/plain",
		Size:           9,
		UploadFileID:   "file-123",
		User:           "user-9",
		TransferMethod: "local_file",
	}, up)
}

func TestUploadFile_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		_, _ = io.WriteString(w, `{"code":"file_too_large"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).UploadFile(context.Background(), FileUpload{
		Name: "big.bin",
		Body: strings.NewReader("x"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file_too_large")
}

func TestResolveAPIKey(t *testing.T) {
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", home)
	t.Setenv(config.EnvAPIKey, "")

	_, err := ResolveAPIKey(config.Dify{ChatURL: "https://dify.example.com/v1/chat-messages"})
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	dir := filepath.Join(home, "dify-relay")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, credentialsFile),
		[]byte(`{"dify.example.com":{"api_key":"app-file"},"other.example.com":{"api_key":"nope"}}`), 0o600))

	key, err := ResolveAPIKey(config.Dify{ChatURL: "https://dify.example.com/v1/chat-messages"})
	require.NoError(t, err)
	assert.Equal(t, "app-file", key)

	key, err = ResolveAPIKey(config.Dify{APIKey: "app-config", ChatURL: "https://dify.example.com/v1"})
	require.NoError(t, err)
	assert.Equal(t, "app-config", key)

	t.Setenv(config.EnvAPIKey, "app-env")
	key, err = ResolveAPIKey(config.Dify{APIKey: "app-config"})
	require.NoError(t, err)
	assert.Equal(t, "app-env", key)
}

func TestNew_RequiresKey(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv(config.EnvAPIKey, "")

	_, err := New(config.Dify{ChatURL: "http://localhost/v1/chat-messages"})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}
