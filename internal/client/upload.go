package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// FileUpload describes a file to forward to the upstream file store.
type FileUpload struct {
	Name        string
	ContentType string
	Size        int64
	User        string
	Body        io.Reader
}

// UploadedFile is the description returned to chat clients.
type UploadedFile struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Type           string `json:"type"`
	Size           int64  `json:"size"`
	UploadFileID   string `json:"upload_file_id"`
	User           string `json:"user"`
	TransferMethod string `json:"transfer_method"`
}

// uploadResponse is the subset of the upstream answer we use.
type uploadResponse struct {
	ID string `json:"id"`
}

// UploadFile forwards f to the upload endpoint as multipart form data.
func (c *Client) UploadFile(ctx context.Context, f FileUpload) (*UploadedFile, error) {
	user := f.User
	if user == "" {
		user = DefaultUser()
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUploadForm(mw, f, user))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.UploadURL, pr)
	if err != nil {
		_ = pr.Close()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.getHTTPClient(ctx).Do(req)
	if err != nil {
		_ = pr.Close()
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := readAPIError(resp)
		c.logger.WithError(err).Error("file upload rejected")
		return nil, fmt.Errorf("file upload failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.WithError(err).Warn("failed to close response body")
		}
	}()

	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	c.logger.WithFields(logrus.Fields{"file": f.Name, "upload_file_id": out.ID}).Info("file uploaded")

	id := out.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &UploadedFile{
		ID:             id,
		Name:           f.Name,
		Type:           f.ContentType,
		Size:           f.Size,
		UploadFileID:   out.ID,
		User:           user,
		TransferMethod: "local_file",
	}, nil
}

func writeUploadForm(mw *multipart.Writer, f FileUpload, user string) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, f.Name))
	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f.Body); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}
	if err := mw.WriteField("user", user); err != nil {
		return err
	}
	return mw.Close()
}
