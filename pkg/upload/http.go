package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/core-tools/hsu-logtrack/pkg/errors"
	"github.com/core-tools/hsu-logtrack/pkg/report"
)

// HTTPConfig describes the collector endpoint reports are posted to
type HTTPConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
}

// HTTPSender posts the archive as a multipart form
type HTTPSender struct {
	config HTTPConfig
	client *http.Client
}

func NewHTTPSender(config HTTPConfig, client *http.Client) (*HTTPSender, error) {
	if config.URL == "" {
		return nil, errors.NewValidationError("upload url is required", nil)
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &HTTPSender{config: config, client: client}, nil
}

func (s *HTTPSender) Send(ctx context.Context, r *report.IssueReport) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	for field, value := range map[string]string{
		"id":      r.ID,
		"kind":    string(r.Kind),
		"message": r.IssueMessage,
	} {
		if err := mw.WriteField(field, value); err != nil {
			return errors.NewInternalError("failed to build upload form", err)
		}
	}

	part, err := mw.CreateFormFile("archive", filepath.Base(r.ArchiveFile))
	if err != nil {
		return errors.NewInternalError("failed to build upload form", err)
	}
	archive, err := os.Open(r.ArchiveFile)
	if err != nil {
		return errors.NewIOError("failed to open report archive", err).WithContext("path", r.ArchiveFile)
	}
	_, err = io.Copy(part, archive)
	archive.Close()
	if err != nil {
		return errors.NewIOError("failed to read report archive", err).WithContext("path", r.ArchiveFile)
	}
	if err := mw.Close(); err != nil {
		return errors.NewInternalError("failed to build upload form", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.URL, &body)
	if err != nil {
		return errors.NewValidationError("invalid upload request", err).WithContext("url", s.config.URL)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range s.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.NewNetworkError("upload request failed", err).WithContext("url", s.config.URL)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.NewUploadError(fmt.Sprintf("collector responded %s", resp.Status), nil).
			WithContext("url", s.config.URL).WithContext("status", resp.StatusCode)
	}
	return nil
}
