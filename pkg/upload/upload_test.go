package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-logtrack/pkg/errors"
	"github.com/core-tools/hsu-logtrack/pkg/report"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, r *report.IssueReport) error {
	return m.Called(ctx, r).Error(0)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) NotifySuccess(r *report.IssueReport) {
	m.Called(r)
}

func (m *mockNotifier) NotifyFailure(r *report.IssueReport, err error) {
	m.Called(r, err)
}

type offline struct{}

func (offline) Connected(context.Context) bool { return false }

func newReport(t *testing.T) *report.IssueReport {
	t.Helper()
	path := filepath.Join(t.TempDir(), "report_2026.03.01_10.30.15_abcd1234.zip")
	require.NoError(t, os.WriteFile(path, []byte("PK-archive"), 0644))
	return &report.IssueReport{
		ID:           "abcd1234",
		Kind:         report.KindIssue,
		ArchiveFile:  path,
		IssueMessage: "app froze",
		CreatedAt:    time.Date(2026, 3, 1, 10, 30, 15, 0, time.UTC),
	}
}

func snapshotDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "snapshots")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "screen.png"), []byte("png"), 0644))
	return dir
}

var fastRetry = RetryConfig{MaxRetries: 3, RetryDelay: time.Millisecond, BackoffRate: 1.5}

func TestDispatcher_SuccessCleansUp(t *testing.T) {
	r := newReport(t)
	snapshots := snapshotDir(t)

	sender := &mockSender{}
	sender.On("Send", mock.Anything, r).Return(nil).Once()
	notifier := &mockNotifier{}
	notifier.On("NotifySuccess", r).Once()

	d, err := NewDispatcher(Options{Sender: sender, Retry: fastRetry, Notifier: notifier, SnapshotDirs: []string{snapshots}}, nil)
	require.NoError(t, err)

	require.NoError(t, <-d.SendReport(context.Background(), r))

	sender.AssertExpectations(t)
	notifier.AssertExpectations(t)
	assert.NoFileExists(t, r.ArchiveFile)

	entries, err := os.ReadDir(snapshots)
	require.NoError(t, err)
	assert.Empty(t, entries, "snapshot directory emptied")
	assert.DirExists(t, snapshots)
}

func TestDispatcher_RetriesThenSucceeds(t *testing.T) {
	r := newReport(t)
	sender := &mockSender{}
	sender.On("Send", mock.Anything, r).Return(fmt.Errorf("timeout")).Times(2)
	sender.On("Send", mock.Anything, r).Return(nil).Once()

	d, err := NewDispatcher(Options{Sender: sender, Retry: fastRetry}, nil)
	require.NoError(t, err)

	require.NoError(t, <-d.SendReport(context.Background(), r))
	sender.AssertNumberOfCalls(t, "Send", 3)
}

func TestDispatcher_FailureAfterRetries(t *testing.T) {
	r := newReport(t)
	snapshots := snapshotDir(t)

	sender := &mockSender{}
	sender.On("Send", mock.Anything, r).Return(fmt.Errorf("smtp down"))
	notifier := &mockNotifier{}
	notifier.On("NotifyFailure", r, mock.Anything).Once()

	d, err := NewDispatcher(Options{Sender: sender, Retry: fastRetry, Notifier: notifier, SnapshotDirs: []string{snapshots}}, nil)
	require.NoError(t, err)

	err = <-d.SendReport(context.Background(), r)
	require.Error(t, err)
	assert.True(t, errors.IsUploadError(err))

	sender.AssertNumberOfCalls(t, "Send", fastRetry.MaxRetries+1)
	notifier.AssertExpectations(t)
	assert.NoFileExists(t, r.ArchiveFile, "archive deleted on failure too")
	assert.FileExists(t, filepath.Join(snapshots, "screen.png"), "snapshots kept on failure")
}

func TestDispatcher_RequiresConnectivity(t *testing.T) {
	r := newReport(t)
	sender := &mockSender{}

	d, err := NewDispatcher(Options{
		Sender:              sender,
		Retry:               RetryConfig{MaxRetries: 1, RetryDelay: time.Millisecond, BackoffRate: 1},
		RequireConnectivity: true,
		Connectivity:        offline{},
	}, nil)
	require.NoError(t, err)

	err = <-d.SendReport(context.Background(), r)
	require.Error(t, err)
	assert.True(t, errors.IsNetworkError(err))
	sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestDispatcher_CancelledDuringBackoff(t *testing.T) {
	r := newReport(t)
	sender := &mockSender{}
	sender.On("Send", mock.Anything, r).Return(fmt.Errorf("down"))

	d, err := NewDispatcher(Options{
		Sender: sender,
		Retry:  RetryConfig{MaxRetries: 5, RetryDelay: time.Hour, BackoffRate: 1},
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err = <-d.SendReport(ctx, r)
	assert.True(t, errors.IsCancelledError(err))
	sender.AssertNumberOfCalls(t, "Send", 1)
	d.Wait()
}

func TestNewDispatcher_Validation(t *testing.T) {
	_, err := NewDispatcher(Options{}, nil)
	assert.True(t, errors.IsValidationError(err))

	_, err = NewDispatcher(Options{Sender: &mockSender{}, RequireConnectivity: true}, nil)
	assert.True(t, errors.IsValidationError(err))

	_, err = NewDispatcher(Options{Sender: &mockSender{}, Retry: RetryConfig{MaxRetries: -1, BackoffRate: 1}}, nil)
	assert.True(t, errors.IsValidationError(err))
}

func TestRetryConfig_DelayBefore(t *testing.T) {
	c := RetryConfig{MaxRetries: 3, RetryDelay: time.Second, BackoffRate: 2}
	assert.Equal(t, time.Duration(0), c.delayBefore(0))
	assert.Equal(t, time.Second, c.delayBefore(1))
	assert.Equal(t, 2*time.Second, c.delayBefore(2))
	assert.Equal(t, 4*time.Second, c.delayBefore(3))

	assert.NoError(t, ValidateRetryConfig(DefaultRetryConfig()))
	assert.Error(t, ValidateRetryConfig(RetryConfig{BackoffRate: 0}))
	assert.Error(t, ValidateRetryConfig(RetryConfig{RetryDelay: -1, BackoffRate: 1}))
}

func TestHTTPSender(t *testing.T) {
	r := newReport(t)

	var got struct {
		fields  map[string]string
		archive string
		token   string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, req.ParseMultipartForm(1<<20))
		got.fields = map[string]string{
			"id":      req.FormValue("id"),
			"kind":    req.FormValue("kind"),
			"message": req.FormValue("message"),
		}
		f, _, err := req.FormFile("archive")
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		got.archive = string(data)
		got.token = req.Header.Get("X-Token")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s, err := NewHTTPSender(HTTPConfig{URL: srv.URL, Headers: map[string]string{"X-Token": "secret"}}, srv.Client())
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), r))

	assert.Equal(t, map[string]string{"id": "abcd1234", "kind": "issue", "message": "app froze"}, got.fields)
	assert.Equal(t, "PK-archive", got.archive)
	assert.Equal(t, "secret", got.token)
}

func TestHTTPSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s, err := NewHTTPSender(HTTPConfig{URL: srv.URL}, nil)
	require.NoError(t, err)

	err = s.Send(context.Background(), newReport(t))
	require.Error(t, err)
	assert.True(t, errors.IsUploadError(err))

	_, err = NewHTTPSender(HTTPConfig{}, nil)
	assert.True(t, errors.IsValidationError(err))
}

func TestBuildMessage(t *testing.T) {
	r := newReport(t)
	archive := bytes.Repeat([]byte("zipdata"), 40)
	cfg := EmailConfig{Host: "smtp.example.com", Port: 465, From: "app@example.com", To: []string{"dev@example.com", "qa@example.com"}, Subject: "Bug report"}

	raw, err := buildMessage(cfg, r, archive)
	require.NoError(t, err)

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "app@example.com", msg.Header.Get("From"))
	assert.Equal(t, "dev@example.com, qa@example.com", msg.Header.Get("To"))
	assert.Equal(t, "Bug report", msg.Header.Get("Subject"))

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/mixed", mediaType)

	mr := multipart.NewReader(msg.Body, params["boundary"])
	text, err := mr.NextPart()
	require.NoError(t, err)
	body, _ := io.ReadAll(text)
	assert.True(t, strings.HasPrefix(string(body), "app froze"))

	attachment, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(r.ArchiveFile), attachment.FileName())
	encoded, _ := io.ReadAll(attachment)
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(string(encoded), "\r\n", ""))
	require.NoError(t, err)
	assert.Equal(t, archive, decoded)
}

func TestEmailConfig_Validate(t *testing.T) {
	valid := EmailConfig{Host: "h", Port: 587, From: "a@b", To: []string{"c@d"}}
	assert.NoError(t, valid.Validate())

	noTo := valid
	noTo.To = nil
	assert.Error(t, noTo.Validate())

	badPort := valid
	badPort.Port = 0
	_, err := NewEmailSender(badPort)
	assert.True(t, errors.IsValidationError(err))
}

func TestTCPChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	assert.True(t, TCPChecker{Address: addr, Timeout: time.Second}.Connected(context.Background()))
	ln.Close()
	assert.False(t, TCPChecker{Address: addr, Timeout: 100 * time.Millisecond}.Connected(context.Background()))
}
