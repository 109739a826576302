package validate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-console/internal/fleet"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func serials(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("SN%03d", i)
	}
	return out
}

// parityCheck marks even serials valid, fails every tenth with an API
// error and sleeps a little so workers interleave.
func parityCheck(ctx context.Context, id string) (Verdict, error) {
	var n int
	fmt.Sscanf(id, "SN%d", &n)
	time.Sleep(time.Duration(n%3) * time.Millisecond)
	if n%10 == 9 {
		return Verdict{}, &fleet.APIError{Op: "robot_validity", Status: 500, Message: "boom"}
	}
	if n%2 == 0 {
		return Verdict{Valid: true}, nil
	}
	return Verdict{Valid: false, Reason: "unbound"}, nil
}

func TestResultIndependentOfConcurrency(t *testing.T) {
	items := serials(40)

	serial, err := New(parityCheck, nil, testLogger()).ValidateAll(context.Background(), items, 1)
	require.NoError(t, err)
	parallel, err := New(parityCheck, nil, testLogger()).ValidateAll(context.Background(), items, 8)
	require.NoError(t, err)

	assert.Equal(t, serial, parallel)
	assert.Len(t, parallel, 40)
}

func TestConcurrencyCeiling(t *testing.T) {
	var inFlight, peak atomic.Int32
	check := func(ctx context.Context, id string) (Verdict, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return Verdict{Valid: true}, nil
	}

	_, err := New(check, nil, testLogger()).ValidateAll(context.Background(), serials(30), 3)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestDispatchFollowsInputOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	check := func(ctx context.Context, id string) (Verdict, error) {
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
		return Verdict{Valid: true}, nil
	}

	items := serials(10)
	_, err := New(check, nil, testLogger()).ValidateAll(context.Background(), items, 1)
	require.NoError(t, err)
	assert.Equal(t, items, order)
}

func TestCacheFirst(t *testing.T) {
	cache := NewCache()
	cache.Store("SN000", Verdict{Valid: false, Reason: "cached"})

	var calls []string
	var mu sync.Mutex
	check := func(ctx context.Context, id string) (Verdict, error) {
		mu.Lock()
		calls = append(calls, id)
		mu.Unlock()
		return Verdict{Valid: true}, nil
	}

	v := New(check, cache, testLogger())
	got, err := v.ValidateAll(context.Background(), []string{"SN000", "SN001", "SN001"}, 4)
	require.NoError(t, err)

	assert.Equal(t, []string{"SN001"}, calls, "cached and duplicate items must not be checked")
	assert.Equal(t, Verdict{Valid: false, Reason: "cached"}, got["SN000"])
	assert.Equal(t, Verdict{Valid: true}, got["SN001"])

	// Second pass is served entirely from cache.
	calls = nil
	_, err = v.ValidateAll(context.Background(), []string{"SN000", "SN001"}, 4)
	require.NoError(t, err)
	assert.Empty(t, calls)
}

func TestFailureIsIsolatedAndCached(t *testing.T) {
	check := func(ctx context.Context, id string) (Verdict, error) {
		if id == "bad" {
			return Verdict{}, &fleet.NetworkError{Op: "robot_validity", Err: errors.New("reset by peer")}
		}
		return Verdict{Valid: true}, nil
	}

	v := New(check, nil, testLogger())
	got, err := v.ValidateAll(context.Background(), []string{"a", "bad", "b"}, 2)
	require.NoError(t, err)

	assert.True(t, got["a"].Valid)
	assert.True(t, got["b"].Valid)
	assert.False(t, got["bad"].Valid)
	assert.True(t, strings.HasPrefix(got["bad"].Reason, fleet.KindNetwork), "reason = %q", got["bad"].Reason)

	cached, ok := v.Cache().Get("bad")
	require.True(t, ok)
	assert.Equal(t, got["bad"], cached)
}

func TestTotalOutageIsStageError(t *testing.T) {
	check := func(ctx context.Context, id string) (Verdict, error) {
		return Verdict{}, &fleet.NetworkError{Op: "robot_validity", Err: errors.New("connection refused")}
	}

	v := New(check, nil, testLogger())
	_, err := v.ValidateAll(context.Background(), serials(5), 2)
	require.ErrorIs(t, err, ErrUnreachable)
	assert.Zero(t, v.Cache().Len(), "outage verdicts must not be cached")
}

func TestCachedEntriesAreImmutable(t *testing.T) {
	valid := true
	check := func(ctx context.Context, id string) (Verdict, error) {
		return Verdict{Valid: valid}, nil
	}

	v := New(check, nil, testLogger())
	first, err := v.ValidateAll(context.Background(), []string{"SN1"}, 1)
	require.NoError(t, err)
	require.True(t, first["SN1"].Valid)

	valid = false
	second, err := v.ValidateAll(context.Background(), []string{"SN1"}, 1)
	require.NoError(t, err)
	assert.True(t, second["SN1"].Valid, "cached verdict must not be re-validated")

	assert.Equal(t, Verdict{Valid: true}, v.Cache().Store("SN1", Verdict{Valid: false}))
}

func TestCancelledBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	check := func(ctx context.Context, id string) (Verdict, error) {
		if calls.Add(1) == 2 {
			cancel()
		}
		return Verdict{Valid: true}, nil
	}

	v := New(check, nil, testLogger())
	_, err := v.ValidateAll(ctx, serials(20), 1)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(2), calls.Load(), "no new checks after cancellation")
	assert.Equal(t, 2, v.Cache().Len(), "completed checks are still cached")
}

func TestCancelledDuringLastCheck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	items := serials(3)
	check := func(ctx context.Context, id string) (Verdict, error) {
		if id == items[len(items)-1] {
			cancel()
			return Verdict{}, ctx.Err()
		}
		return Verdict{Valid: true}, nil
	}

	v := New(check, nil, testLogger())
	got, err := v.ValidateAll(ctx, items, 1)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, got)
	assert.Equal(t, 2, v.Cache().Len())
	_, cached := v.Cache().Get(items[2])
	assert.False(t, cached, "an interrupted check is not cached")
}

func TestEmptyInput(t *testing.T) {
	got, err := New(parityCheck, nil, testLogger()).ValidateAll(context.Background(), nil, 4)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestVerdictErr(t *testing.T) {
	assert.NoError(t, Verdict{Valid: true}.Err("SN1"))

	err := Verdict{Valid: false, Reason: "unbound"}.Err("SN1")
	var valErr *fleet.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "SN1", valErr.SN)
	assert.Equal(t, fleet.KindValidation, fleet.Classify(err))
}
