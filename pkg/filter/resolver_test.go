package filter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-logtrack/pkg/logging"
)

func TestResolver_PackageOf(t *testing.T) {
	resolver, lister := newTestResolver(map[int]string{1: "init", 42: "app"})

	assert.Equal(t, "app", resolver.PackageOf(42))
	assert.Equal(t, "init", resolver.PackageOf(1))
	assert.Equal(t, int32(1), atomic.LoadInt32(&lister.calls), "known pids must be served from cache")

	assert.Equal(t, "", resolver.PackageOf(7))
	calls := atomic.LoadInt32(&lister.calls)
	assert.Equal(t, "", resolver.PackageOf(7))
	assert.Equal(t, calls, atomic.LoadInt32(&lister.calls), "negative entries must not rescan")
}

func TestResolver_RefreshThrottled(t *testing.T) {
	lister := &fakeLister{procs: map[int]string{}}
	resolver := NewResolver(lister, time.Hour, logging.NewNopLogger())

	require.NoError(t, resolver.Refresh(context.Background()))
	for pid := 100; pid < 110; pid++ {
		resolver.PackageOf(pid)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&lister.calls))
}

func TestResolver_PinnedSurvivesRefresh(t *testing.T) {
	resolver, _ := newTestResolver(map[int]string{5: "other"})
	resolver.Pin(5, "host-app")

	require.NoError(t, resolver.Refresh(context.Background()))
	assert.Equal(t, "host-app", resolver.PackageOf(5))
	assert.Equal(t, []int{5}, resolver.PIDsOf([]string{"host-app"}))
}

func TestResolver_RefreshError(t *testing.T) {
	lister := &fakeLister{procs: map[int]string{}, err: errors.New("no procfs")}
	resolver := NewResolver(lister, time.Nanosecond, logging.NewNopLogger())

	assert.Error(t, resolver.Refresh(context.Background()))
	assert.Equal(t, "", resolver.PackageOf(3))
}

func TestResolver_ConcurrentLookups(t *testing.T) {
	resolver, _ := newTestResolver(map[int]string{1: "a", 2: "b"})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pid := i%3 + 1
			name := resolver.PackageOf(pid)
			if pid == 3 {
				assert.Equal(t, "", name)
			} else {
				assert.NotEmpty(t, name)
			}
		}(i)
	}
	wg.Wait()
}

func TestSystemProcessLister_FindsSelf(t *testing.T) {
	procs, err := NewSystemProcessLister().ListProcesses(context.Background())
	if err != nil {
		t.Skipf("process table not available: %v", err)
	}
	assert.NotEmpty(t, procs)
}
