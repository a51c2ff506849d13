package logsource

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/core-tools/hsu-logtrack/pkg/errors"
)

const maxLineSize = 1024 * 1024

type scanResult struct {
	line string
	err  error
}

// streamReader scans an io.Reader on its own goroutine so ReadLine can be
// interrupted even while the underlying Read is blocked.
type streamReader struct {
	ctx     context.Context
	cancel  context.CancelFunc
	results chan scanResult
	onClose func() error

	closeOnce sync.Once
	closeErr  error
}

func newStreamReader(ctx context.Context, r io.Reader, onClose func() error) *streamReader {
	ctx, cancel := context.WithCancel(ctx)
	sr := &streamReader{
		ctx:     ctx,
		cancel:  cancel,
		results: make(chan scanResult, 64),
		onClose: onClose,
	}
	go sr.scan(r)
	return sr
}

func (sr *streamReader) scan(r io.Reader) {
	defer close(sr.results)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		select {
		case sr.results <- scanResult{line: scanner.Text()}:
		case <-sr.ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case sr.results <- scanResult{err: errors.NewIOError("log stream read failed", err)}:
		case <-sr.ctx.Done():
		}
	}
}

func (sr *streamReader) ReadLine() (string, error) {
	select {
	case <-sr.ctx.Done():
		return "", errors.NewCancelledError("log stream closed", sr.ctx.Err())
	case result, ok := <-sr.results:
		if !ok {
			return "", io.EOF
		}
		return result.line, result.err
	}
}

func (sr *streamReader) Close() error {
	sr.closeOnce.Do(func() {
		sr.cancel()
		if sr.onClose != nil {
			sr.closeErr = sr.onClose()
		}
	})
	return sr.closeErr
}
