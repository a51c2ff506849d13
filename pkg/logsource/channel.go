package logsource

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/core-tools/hsu-logtrack/pkg/errors"
)

// DefaultHistorySize bounds the lines a ChannelSource keeps for Dump
const DefaultHistorySize = 5000

// ChannelSource is an in-process log source. Lines passed to Emit are
// delivered to every open stream and kept in a bounded history for Dump.
// It applies no push-down filtering.
type ChannelSource struct {
	historySize int

	mu          sync.RWMutex
	history     []string
	subscribers map[*subscription]struct{}
}

type subscription struct {
	lines chan string
	done  chan struct{}
	once  sync.Once
}

func NewChannelSource(historySize int) *ChannelSource {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &ChannelSource{
		historySize: historySize,
		subscribers: make(map[*subscription]struct{}),
	}
}

// Emit publishes lines. It blocks while an open stream is not consuming.
func (s *ChannelSource) Emit(lines ...string) {
	s.mu.Lock()
	s.history = append(s.history, lines...)
	if overflow := len(s.history) - s.historySize; overflow > 0 {
		s.history = append([]string(nil), s.history[overflow:]...)
	}
	subs := make([]*subscription, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		for _, line := range lines {
			select {
			case sub.lines <- line:
			case <-sub.done:
			}
		}
	}
}

// Pump emits every line read from r until it ends or ctx is cancelled
func (s *ChannelSource) Pump(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.Emit(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return errors.NewIOError("log input read failed", err)
	}
	return nil
}

func (s *ChannelSource) SupportsPushDown() bool {
	return false
}

func (s *ChannelSource) Open(ctx context.Context, _ Options) (LineReader, error) {
	sub := &subscription{
		lines: make(chan string, 256),
		done:  make(chan struct{}),
	}

	s.mu.Lock()
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	return &channelReader{ctx: ctx, source: s, sub: sub}, nil
}

func (s *ChannelSource) Dump(ctx context.Context, _ Options) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.history...), nil
}

func (s *ChannelSource) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
	return nil
}

// Subscribers returns the number of open streams
func (s *ChannelSource) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

func (s *ChannelSource) unsubscribe(sub *subscription) {
	sub.once.Do(func() { close(sub.done) })
	s.mu.Lock()
	delete(s.subscribers, sub)
	s.mu.Unlock()
}

type channelReader struct {
	ctx    context.Context
	source *ChannelSource
	sub    *subscription
}

func (r *channelReader) ReadLine() (string, error) {
	select {
	case line := <-r.sub.lines:
		return line, nil
	case <-r.sub.done:
		return "", io.EOF
	case <-r.ctx.Done():
		return "", errors.NewCancelledError("log stream closed", r.ctx.Err())
	}
}

func (r *channelReader) Close() error {
	r.source.unsubscribe(r.sub)
	return nil
}
