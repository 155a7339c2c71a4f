package deadlock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDetector(t *testing.T, strategy Strategy) *Detector {
	t.Helper()
	d := New(Config{
		DetectionInterval: time.Hour, // tests drive Detect/Resolve directly
		Strategy:          strategy,
	})
	t.Cleanup(d.Stop)
	return d
}

func TestDetectTwoTransactionCycle(t *testing.T) {
	t.Parallel()

	d := newTestDetector(t, AbortYoungest)
	d.Register("t1", 0)
	d.Register("t2", 0)
	d.AddWait("t1", "t2", "r1", LockExclusive)
	d.AddWait("t2", "t1", "r2", LockExclusive)

	deadlocks := d.Detect()
	require.Len(t, deadlocks, 1)

	dl := deadlocks[0]
	assert.ElementsMatch(t, []string{"t1", "t2"}, dl.InvolvedTxIDs)
	assert.GreaterOrEqual(t, dl.ConfidenceScore, 0.8)
	require.Len(t, dl.Chain, 2)
}

func TestDetectNoCycle(t *testing.T) {
	t.Parallel()

	d := newTestDetector(t, AbortYoungest)
	d.Register("t1", 0)
	d.Register("t2", 0)
	d.Register("t3", 0)
	d.AddWait("t1", "t2", "r1", LockShared)
	d.AddWait("t2", "t3", "r2", LockShared)

	assert.Empty(t, d.Detect())
}

func TestDetectThreeTransactionCycle(t *testing.T) {
	t.Parallel()

	d := newTestDetector(t, AbortOldest)
	for _, id := range []string{"t1", "t2", "t3"} {
		d.Register(id, 0)
	}
	d.AddWait("t1", "t2", "r1", LockExclusive)
	d.AddWait("t2", "t3", "r2", LockExclusive)
	d.AddWait("t3", "t1", "r3", LockExclusive)

	deadlocks := d.Detect()
	require.Len(t, deadlocks, 1)
	assert.ElementsMatch(t, []string{"t1", "t2", "t3"}, deadlocks[0].InvolvedTxIDs)
}

func TestResolveAbortYoungest(t *testing.T) {
	t.Parallel()

	d := newTestDetector(t, AbortYoungest)
	d.Register("old", 0)
	time.Sleep(5 * time.Millisecond)
	d.Register("young", 0)
	d.AddWait("old", "young", "r1", LockExclusive)
	d.AddWait("young", "old", "r2", LockExclusive)

	var mu sync.Mutex
	var victims []string
	d.onVictim = func(txID string) {
		mu.Lock()
		victims = append(victims, txID)
		mu.Unlock()
	}

	deadlocks := d.Detect()
	require.Len(t, deadlocks, 1)
	require.True(t, d.Resolve(&deadlocks[0]))

	// The chosen victim must be a member of the reported cycle, and the
	// youngest one under this strategy.
	assert.Equal(t, "young", deadlocks[0].VictimTxID)
	assert.Contains(t, deadlocks[0].InvolvedTxIDs, deadlocks[0].VictimTxID)
	assert.Equal(t, AbortYoungest, deadlocks[0].ResolutionStrategy)

	mu.Lock()
	assert.Equal(t, []string{"young"}, victims)
	mu.Unlock()

	// Resolution unregistered the victim, so the cycle is gone.
	assert.Empty(t, d.Detect())
}

func TestResolveAbortOldest(t *testing.T) {
	t.Parallel()

	d := newTestDetector(t, AbortOldest)
	d.Register("old", 0)
	time.Sleep(5 * time.Millisecond)
	d.Register("young", 0)
	d.AddWait("old", "young", "r1", LockExclusive)
	d.AddWait("young", "old", "r2", LockExclusive)

	deadlocks := d.Detect()
	require.Len(t, deadlocks, 1)
	require.True(t, d.Resolve(&deadlocks[0]))
	assert.Equal(t, "old", deadlocks[0].VictimTxID)
}

func TestResolveAbortLowestPriority(t *testing.T) {
	t.Parallel()

	d := newTestDetector(t, AbortLowestPriority)
	d.Register("high", 10)
	d.Register("low", 1)
	d.AddWait("high", "low", "r1", LockExclusive)
	d.AddWait("low", "high", "r2", LockExclusive)

	deadlocks := d.Detect()
	require.Len(t, deadlocks, 1)
	require.True(t, d.Resolve(&deadlocks[0]))
	assert.Equal(t, "low", deadlocks[0].VictimTxID)
}

func TestResolveAbortLeastWork(t *testing.T) {
	t.Parallel()

	work := map[string]int{"busy": 10, "idle": 1}
	d := New(Config{
		DetectionInterval: time.Hour,
		Strategy:          AbortLeastWork,
		WorkCounter:       func(txID string) int { return work[txID] },
	})
	t.Cleanup(d.Stop)

	d.Register("busy", 0)
	d.Register("idle", 0)
	d.AddWait("busy", "idle", "r1", LockExclusive)
	d.AddWait("idle", "busy", "r2", LockExclusive)

	deadlocks := d.Detect()
	require.Len(t, deadlocks, 1)
	require.True(t, d.Resolve(&deadlocks[0]))
	assert.Equal(t, "idle", deadlocks[0].VictimTxID)
}

func TestVerificationRejectsStaleCycle(t *testing.T) {
	t.Parallel()

	d := newTestDetector(t, AbortYoungest)
	d.Register("t1", 0)
	d.Register("t2", 0)
	d.AddWait("t1", "t2", "r1", LockExclusive)
	d.AddWait("t2", "t1", "r2", LockExclusive)

	// An edge released before detection means no verified deadlock.
	d.RemoveWait("t2", "t1")
	assert.Empty(t, d.Detect())
}

func TestUnregisterRemovesIncidentEdges(t *testing.T) {
	t.Parallel()

	d := newTestDetector(t, AbortYoungest)
	d.Register("t1", 0)
	d.Register("t2", 0)
	d.AddWait("t1", "t2", "r1", LockExclusive)
	d.AddWait("t2", "t1", "r2", LockExclusive)

	d.Unregister("t2")
	assert.Empty(t, d.Detect())

	stats := d.Stats()
	assert.Equal(t, 1, stats.ActiveTransactions)
	assert.Equal(t, 0, stats.CurrentWaitRelations)
}

func TestConfidenceScoreBoostForLongCycles(t *testing.T) {
	t.Parallel()

	d := newTestDetector(t, AbortYoungest)
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		d.Register(id, 0)
	}
	d.AddWait("a", "b", "r1", LockExclusive)
	d.AddWait("b", "c", "r2", LockExclusive)
	d.AddWait("c", "d", "r3", LockExclusive)
	d.AddWait("d", "a", "r4", LockExclusive)

	deadlocks := d.Detect()
	require.Len(t, deadlocks, 1)
	// Base 0.8 plus the long-cycle boost.
	assert.InDelta(t, 0.9, deadlocks[0].ConfidenceScore, 1e-9)
}

func TestStatsTracksDetectionAndResolution(t *testing.T) {
	t.Parallel()

	d := newTestDetector(t, AbortYoungest)
	d.Register("t1", 0)
	d.Register("t2", 0)
	d.AddWait("t1", "t2", "r1", LockExclusive)
	d.AddWait("t2", "t1", "r2", LockExclusive)

	deadlocks := d.Detect()
	require.Len(t, deadlocks, 1)
	require.True(t, d.Resolve(&deadlocks[0]))

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.Detected)
	assert.Equal(t, int64(1), stats.Resolved)
	assert.Equal(t, 1, stats.RecentDeadlocks)
	assert.InDelta(t, 1.0, stats.ResolutionSuccessRate, 1e-9)
}
