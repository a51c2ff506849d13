package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-logtrack/pkg/errors"
	"github.com/core-tools/hsu-logtrack/pkg/filter"
	"github.com/core-tools/hsu-logtrack/pkg/format"
	"github.com/core-tools/hsu-logtrack/pkg/logsource"
	"github.com/core-tools/hsu-logtrack/pkg/metrics"
	"github.com/core-tools/hsu-logtrack/pkg/record"
	"github.com/core-tools/hsu-logtrack/pkg/rotation"
	"github.com/core-tools/hsu-logtrack/pkg/statestore"
)

func line(pid int, i int) string {
	return fmt.Sprintf("03-01 10:30:%02d.123  %4d  %4d I Sample: message %d", i%60, pid, pid+1, i)
}

func rec(i int) *record.Record {
	return &record.Record{
		Timestamp: "03-01 10:30:00.000",
		PID:       100,
		TID:       101,
		Level:     record.LevelInfo,
		Tag:       "Sample",
		Message:   fmt.Sprintf("record %d", i),
	}
}

// loggingSection returns the lines between the native logging markers
func loggingSection(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	section, ok := parseLoggingSection(string(data))
	require.True(t, ok, "malformed document %q", string(data))
	return section
}

func parseLoggingSection(data string) ([]string, bool) {
	lines := strings.Split(strings.TrimSuffix(data, "\n"), "\n")
	open, close := -1, -1
	for i, l := range lines {
		switch l {
		case "logging:":
			open = i
		case ":logging":
			close = i
		}
	}
	if open < 0 || close <= open || close != len(lines)-1 {
		return nil, false
	}
	return append([]string{}, lines[open+1:close]...), true
}

// sectionLen is safe to poll while the engine writes
func sectionLen(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return -1
	}
	section, ok := parseLoggingSection(string(data))
	if !ok {
		return -1
	}
	return len(section)
}

func bufferBytesOf(lines ...string) int {
	n := 0
	for _, l := range lines {
		n += len(l) + 1
	}
	return n
}

type testEngine struct {
	*Engine
	source *logsource.ChannelSource
	dir    string
}

func newTestEngine(t *testing.T, mutate func(*Options)) *testEngine {
	t.Helper()
	dir := t.TempDir()
	source := logsource.NewChannelSource(100)
	opts := Options{
		Dir:           dir,
		Formatter:     format.Native{},
		Source:        source,
		Rotation:      rotation.None(),
		FlushInterval: time.Hour,
		ReopenDelay:   10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	engine, err := NewEngine(opts, nil)
	require.NoError(t, err)
	return &testEngine{Engine: engine, source: source, dir: dir}
}

func (e *testEngine) start(t *testing.T) {
	t.Helper()
	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return e.source.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.Stop(ctx)
	})
}

func (e *testEngine) waitBuffered(t *testing.T, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return e.BufferedBytes() == want }, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_NewValidation(t *testing.T) {
	_, err := NewEngine(Options{Source: logsource.NewChannelSource(1)}, nil)
	assert.True(t, errors.IsValidationError(err))

	_, err = NewEngine(Options{Dir: t.TempDir()}, nil)
	assert.True(t, errors.IsValidationError(err))

	_, err = NewEngine(Options{Dir: t.TempDir(), Source: logsource.NewChannelSource(1), Rotation: rotation.Config{Type: rotation.TypeSize}}, nil)
	assert.True(t, errors.IsValidationError(err))
}

func TestEngine_StartWritesSkeleton(t *testing.T) {
	e := newTestEngine(t, nil)
	e.start(t)

	assert.Equal(t, StateCapturing, e.State())
	assert.True(t, e.IsCapturing())
	assert.Equal(t, filepath.Join(e.dir, "log.log"), e.ActiveFilePath())

	data, err := os.ReadFile(e.ActiveFilePath())
	require.NoError(t, err)
	assert.Equal(t, "meta_data:\n:meta_data\nlogging:\n:logging\n", string(data))
}

func TestEngine_StateTransitions(t *testing.T) {
	e := newTestEngine(t, nil)

	assert.True(t, errors.IsConflictError(e.Pause()))
	assert.True(t, errors.IsConflictError(e.Resume()))
	assert.True(t, errors.IsConflictError(e.Append(rec(1))))
	assert.NoError(t, e.Stop(context.Background()), "stopping a stopped engine is a no-op")

	e.start(t)
	assert.True(t, errors.IsConflictError(e.Start(context.Background())))
	assert.True(t, errors.IsConflictError(e.Resume()))

	require.NoError(t, e.Pause())
	assert.Equal(t, StatePaused, e.State())
	assert.True(t, e.IsCapturing())
	assert.True(t, errors.IsConflictError(e.Pause()))

	require.NoError(t, e.Resume())
	assert.Equal(t, StateCapturing, e.State())

	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, StateStopped, e.State())
	assert.False(t, e.IsCapturing())
}

func TestEngine_ReadLoopParsesAndFilters(t *testing.T) {
	f := filter.New(filter.Config{PIDs: []int{42}}, nil, false)
	reg := metrics.NewRegistry("capture_test", nil)
	e := newTestEngine(t, func(o *Options) {
		o.Filter = f
		o.Metrics = reg
	})
	e.start(t)

	kept := line(42, 1)
	e.source.Emit("not a log line", line(7, 2), "", kept)
	e.waitBuffered(t, bufferBytesOf(kept))

	require.NoError(t, e.Flush())
	assert.Equal(t, []string{kept}, loggingSection(t, e.ActiveFilePath()))
	assert.Equal(t, 4.0, testutil.ToFloat64(reg.LinesRead))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.ParseErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.RecordsFiltered))
}

func TestEngine_FlushAtBufferThreshold(t *testing.T) {
	e := newTestEngine(t, func(o *Options) { o.BufferSize = 1 })
	e.start(t)

	e.source.Emit(line(1, 1))
	require.Eventually(t, func() bool {
		return sectionLen(e.ActiveFilePath()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, e.BufferedBytes())
}

func TestEngine_PeriodicFlush(t *testing.T) {
	e := newTestEngine(t, func(o *Options) { o.FlushInterval = 20 * time.Millisecond })
	e.start(t)

	require.NoError(t, e.Append(rec(1)))
	require.Eventually(t, func() bool {
		return sectionLen(e.ActiveFilePath()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// Three records pass the filter; one is buffered when the pause arrives and
// two more arrive while paused. After resume each is in the file exactly once.
func TestEngine_PauseMidBufferThenResume(t *testing.T) {
	e := newTestEngine(t, nil)
	e.start(t)

	first, second, third := line(1, 1), line(1, 2), line(1, 3)

	e.source.Emit(first)
	e.waitBuffered(t, bufferBytesOf(first))

	require.NoError(t, e.Pause())
	assert.Equal(t, []string{first}, loggingSection(t, e.ActiveFilePath()), "pause writes out held data")
	assert.Equal(t, 0, e.BufferedBytes())

	e.source.Emit(second, third)
	e.waitBuffered(t, bufferBytesOf(second, third))

	require.NoError(t, e.Flush(), "flush while paused is suppressed")
	assert.Equal(t, []string{first}, loggingSection(t, e.ActiveFilePath()))

	require.NoError(t, e.Resume())
	assert.Equal(t, []string{first, second, third}, loggingSection(t, e.ActiveFilePath()))

	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, []string{first, second, third}, loggingSection(t, e.ActiveFilePath()))
}

func TestEngine_EvictsOldestWhilePaused(t *testing.T) {
	sample := format.Native{}.FormatRecord(rec(0))
	capacity := bufferBytesOf(sample) * 3

	e := newTestEngine(t, func(o *Options) {
		o.BufferSize = capacity
		o.MaxBufferSize = capacity
	})
	e.start(t)
	require.NoError(t, e.Pause())

	for i := 0; i < 10; i++ {
		require.NoError(t, e.Append(rec(i)))
	}
	assert.Equal(t, int64(7), e.Evicted())
	assert.LessOrEqual(t, e.BufferedBytes(), capacity)

	require.NoError(t, e.Resume())
	section := loggingSection(t, e.ActiveFilePath())
	require.Len(t, section, 3)
	assert.Contains(t, section[0], "record 7")
	assert.Contains(t, section[2], "record 9")
}

func TestEngine_RotationBySize(t *testing.T) {
	const threshold = 400
	reg := metrics.NewRegistry("rotation_test", nil)
	store := statestore.NewMemoryStore()
	e := newTestEngine(t, func(o *Options) {
		o.Rotation = rotation.BySize(threshold)
		o.Store = store
		o.Metrics = reg
	})
	e.start(t)

	var written []string
	for i := 0; e.PendingRotatedPath() == ""; i++ {
		require.Less(t, i, 100, "rotation never happened")
		r := rec(i)
		written = append(written, format.Native{}.FormatRecord(r))
		require.NoError(t, e.Append(r))
		require.NoError(t, e.Flush())
	}
	pending := e.PendingRotatedPath()

	last := rec(1000)
	written = append(written, format.Native{}.FormatRecord(last))
	require.NoError(t, e.Append(last))
	require.NoError(t, e.Flush())

	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Rotations.WithLabelValues("success")))
	assert.Equal(t, pending, store.PendingRotated())

	info, err := os.Stat(pending)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, info.Size(), int64(threshold))

	matches, err := filepath.Glob(filepath.Join(e.dir, "log_temp_*.log"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	merged := append(loggingSection(t, pending), loggingSection(t, e.ActiveFilePath())...)
	assert.Equal(t, written, merged, "no record lost or duplicated across rotation")

	fresh, err := os.ReadFile(e.ActiveFilePath())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(fresh), "meta_data:\n:meta_data\nlogging:\n"))
}

func TestEngine_RotationReplacesPreviousPending(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e := newTestEngine(t, func(o *Options) {
		o.Rotation = rotation.ByTime(time.Hour)
		o.Now = func() time.Time { return now }
	})
	e.start(t)

	now = now.Add(2 * time.Hour)
	require.NoError(t, e.Flush())
	first := e.PendingRotatedPath()
	require.NotEmpty(t, first)

	now = now.Add(2 * time.Hour)
	require.NoError(t, e.Flush())
	second := e.PendingRotatedPath()
	require.NotEmpty(t, second)
	assert.NotEqual(t, first, second)

	_, err := os.Stat(first)
	assert.True(t, os.IsNotExist(err), "previous rotated file is deleted")
}

func TestEngine_StopInterruptsBlockedRead(t *testing.T) {
	e := newTestEngine(t, nil)
	e.start(t)
	require.NoError(t, e.Append(rec(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Stop(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("stop blocked on the read loop")
	}

	assert.Equal(t, StateStopped, e.State())
	assert.Len(t, loggingSection(t, e.ActiveFilePath()), 1, "final flush happens before close")
	assert.Eventually(t, func() bool { return e.source.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEngine_StopWaitsForResume(t *testing.T) {
	e := newTestEngine(t, nil)
	e.start(t)
	require.NoError(t, e.Pause())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := e.Stop(ctx)
	assert.True(t, errors.IsTimeoutError(err))
	assert.Equal(t, StatePaused, e.State())

	done := make(chan error, 1)
	go func() { done <- e.Stop(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.Append(rec(1)))
	require.NoError(t, e.Resume())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not complete after resume")
	}
	assert.Len(t, loggingSection(t, e.ActiveFilePath()), 1)
}

func TestEngine_RestartKeepsStateAndRecords(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "state.yaml")
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := created

	newEngine := func() *Engine {
		store, err := statestore.OpenFileStore(storePath)
		require.NoError(t, err)
		e, err := NewEngine(Options{
			Dir:           filepath.Join(dir, "logs"),
			Source:        logsource.NewChannelSource(10),
			Store:         store,
			Rotation:      rotation.ByTime(time.Hour),
			FlushInterval: time.Hour,
			Now:           func() time.Time { return now },
		}, nil)
		require.NoError(t, err)
		return e
	}

	e := newEngine()
	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Append(rec(1)))
	require.NoError(t, e.Stop(context.Background()))

	now = created.Add(30 * time.Minute)
	e = newEngine()
	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Append(rec(2)))
	require.NoError(t, e.Flush())
	assert.Len(t, loggingSection(t, e.ActiveFilePath()), 2, "records survive the restart")
	assert.Empty(t, e.PendingRotatedPath(), "creation time persisted, no early rotation")

	now = created.Add(61 * time.Minute)
	require.NoError(t, e.Flush())
	assert.NotEmpty(t, e.PendingRotatedPath(), "age counts from the persisted creation time")
	require.NoError(t, e.Stop(context.Background()))
}

func TestEngine_RepairsTruncatedTail(t *testing.T) {
	e := newTestEngine(t, nil)
	content := "meta_data:\n:meta_data\nlogging:\n" + line(1, 1) + "\n" + line(1, 2) + "\n03-01 10:3"
	require.NoError(t, os.WriteFile(e.ActiveFilePath(), []byte(content), 0644))

	e.start(t)
	assert.Equal(t, []string{line(1, 1), line(1, 2)}, loggingSection(t, e.ActiveFilePath()))

	require.NoError(t, e.Append(rec(3)))
	require.NoError(t, e.Flush())
	assert.Len(t, loggingSection(t, e.ActiveFilePath()), 3)
}

func TestLogFile_RepairDropsPartialClosing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	f := format.JSON{}
	full := format.Render(f, "", nil, []*record.Record{rec(1)})

	// cut inside the document close
	require.NoError(t, os.WriteFile(path, []byte(strings.TrimSuffix(full, "}\n")), 0644))

	lf, created, err := openLogFile(path, f)
	require.NoError(t, err)
	defer lf.close()
	assert.False(t, created)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, full, string(data))
}

func TestEngine_CleansOrphanedRotatedFiles(t *testing.T) {
	store := statestore.NewMemoryStore()
	e := newTestEngine(t, func(o *Options) { o.Store = store })

	kept := filepath.Join(e.dir, "log_temp_200.log")
	orphan := filepath.Join(e.dir, "log_temp_100.log")
	require.NoError(t, os.WriteFile(kept, []byte("meta_data:\n:meta_data\nlogging:\n:logging\n"), 0644))
	require.NoError(t, os.WriteFile(orphan, []byte("stale"), 0644))
	require.NoError(t, store.SetPendingRotated(kept))

	e.start(t)

	_, err := os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, kept, e.PendingRotatedPath())
}

func TestEngine_ClearOnStart(t *testing.T) {
	e := newTestEngine(t, func(o *Options) { o.ClearOnStart = true })
	e.source.Emit(line(1, 1))

	e.start(t)
	lines, err := e.source.Dump(context.Background(), logsource.Options{})
	require.NoError(t, err)
	assert.Empty(t, lines)
}
