package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/markis/dify-relay/internal/client"
	"github.com/markis/dify-relay/internal/stream"
)

const defaultUserID = "default-user"

var errNoAPIKey = errors.New("API key is not configured")

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the body accepted by POST /api/chat.
type chatRequest struct {
	Messages       []chatMessage  `json:"messages"`
	ConversationID string         `json:"conversationId"`
	UserID         string         `json:"userId"`
	Files          []client.File  `json:"files"`
	Inputs         map[string]any `json:"inputs"`
}

// chat forwards the latest message upstream and streams the translated
// answer back as plain text, one flush per upstream event.
func (s *Server) chat(c *gin.Context) {
	if s.upstream == nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: errNoAPIKey.Error()})
		return
	}

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "messages must not be empty"})
		return
	}
	if req.UserID == "" {
		req.UserID = defaultUserID
	}

	ctx := c.Request.Context()
	log := s.logger.WithFields(logrus.Fields{
		"stream_id": uuid.NewString(),
		"user":      req.UserID,
	})

	body, err := s.upstream.ChatMessages(ctx, client.ChatRequest{
		Query:          req.Messages[len(req.Messages)-1].Content,
		Inputs:         req.Inputs,
		User:           req.UserID,
		ConversationID: req.ConversationID,
		Files:          req.Files,
	})
	if err != nil {
		log.WithError(err).Error("chat request failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()

	n, err := stream.Copy(ctx, c.Writer, body, stream.WithLogger(log))
	log = log.WithField("bytes", n)
	switch {
	case err == nil:
		log.Debug("chat stream completed")
	case ctx.Err() != nil:
		log.Debug("client disconnected, stopping stream")
	default:
		log.WithError(err).Error("chat stream failed")
		_, _ = fmt.Fprintf(c.Writer, "\n[stream failed] %v\n", err)
		c.Writer.Flush()
		_ = c.Error(err)
		c.Abort()
	}
}

// upload forwards a multipart file upstream.
func (s *Server) upload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "no file found in request"})
		return
	}
	if s.upstream == nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: errNoAPIKey.Error()})
		return
	}

	user := c.PostForm("user")
	if user == "" {
		user = client.DefaultUser()
	}

	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: fmt.Sprintf("failed to open upload: %v", err)})
		return
	}
	defer f.Close()

	up, err := s.upstream.UploadFile(c.Request.Context(), client.FileUpload{
		Name:        fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		User:        user,
		Body:        f,
	})
	if err != nil {
		s.logger.WithError(err).WithField("file", fh.Filename).Error("file upload failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"file":    up,
	})
}
