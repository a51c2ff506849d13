package upload

import (
	"context"
	"net"
	"time"

	"github.com/core-tools/hsu-logtrack/pkg/report"
)

// Sender delivers one report archive
type Sender interface {
	Send(ctx context.Context, r *report.IssueReport) error
}

// SenderFunc adapts a function to Sender
type SenderFunc func(ctx context.Context, r *report.IssueReport) error

func (f SenderFunc) Send(ctx context.Context, r *report.IssueReport) error {
	return f(ctx, r)
}

// Notifier tells the user how a delivery ended
type Notifier interface {
	NotifySuccess(r *report.IssueReport)
	NotifyFailure(r *report.IssueReport, err error)
}

// ConnectivityChecker gates deliveries on network availability
type ConnectivityChecker interface {
	Connected(ctx context.Context) bool
}

// TCPChecker considers the network available when Address accepts a connection
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

func (c TCPChecker) Connected(ctx context.Context) bool {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.Address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
