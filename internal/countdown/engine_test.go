package countdown

// ============================================================================
// 倒數引擎測試
// 職責：驗證牆上時鐘單調性、到期回呼順序、Stop 冪等、搶占與恢復
// ============================================================================

import (
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/moly-session/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRecorder 收集引擎落盤的快照
type fakeRecorder struct {
	mu      sync.Mutex
	actions []types.ActionType
	states  []types.CountdownStateDetails
}

func (r *fakeRecorder) Append(action types.ActionType, details interface{}, screen types.ScreenID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
	if state, ok := details.(*types.CountdownStateDetails); ok {
		r.states = append(r.states, *state)
	}
}

func (r *fakeRecorder) snapshots() []types.CountdownStateDetails {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.CountdownStateDetails(nil), r.states...)
}

// callbackLog 線程安全的回呼記錄
type callbackLog struct {
	mu      sync.Mutex
	entries []string
}

func (c *callbackLog) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, s)
}

func (c *callbackLog) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.entries...)
}

func newTestEngine(recorder Recorder) *Engine {
	e := New(recorder, nil)
	e.tickEvery = 5 * time.Millisecond
	return e
}

// ============================================================================
// 單調性與剩餘時間
// ============================================================================

// TestRemainingMonotonic 測試剩餘時間單調不增且不超過總長
func TestRemainingMonotonic(t *testing.T) {
	e := newTestEngine(nil)
	defer e.Stop()

	total := 500 * time.Millisecond
	e.Start(total, types.ScreenRelaxation)

	prev := e.Remaining()
	assert.LessOrEqual(t, prev, total)
	for i := 0; i < 20; i++ {
		time.Sleep(10 * time.Millisecond)
		cur := e.Remaining()
		assert.LessOrEqual(t, cur, prev, "remaining must never increase")
		prev = cur
	}
	assert.GreaterOrEqual(t, prev, time.Duration(0))
}

// TestRestore 測試由剩餘秒數恢復倒數
func TestRestore(t *testing.T) {
	e := newTestEngine(nil)
	defer e.Stop()

	// 總長 10 秒但只剩 300ms：下一個 tick 起算就是 300ms，不是從頭
	e.Restore(10*time.Second, 300*time.Millisecond, types.ScreenDescriptiveTask)

	remaining := e.Remaining()
	assert.LessOrEqual(t, remaining, 300*time.Millisecond)
	assert.Greater(t, remaining, 100*time.Millisecond)

	assert.Eventually(t, func() bool {
		return e.State() == Expired
	}, 2*time.Second, 10*time.Millisecond, "restored countdown should expire from the remaining time")
}

// TestRestoreClampsRemaining 測試剩餘值夾在 [0, total]
func TestRestoreClampsRemaining(t *testing.T) {
	e := newTestEngine(nil)
	defer e.Stop()

	e.Restore(200*time.Millisecond, 10*time.Second, types.ScreenRelaxation)
	assert.LessOrEqual(t, e.Remaining(), 200*time.Millisecond)
}

// ============================================================================
// 到期行為
// ============================================================================

// TestExpiryCallbackOrder 測試 finish 先於 timeout、各恰好一次
func TestExpiryCallbackOrder(t *testing.T) {
	e := newTestEngine(nil)
	defer e.Stop()

	calls := &callbackLog{}
	e.SetFinishCallback(func(s types.ScreenID) { calls.add("finish:" + string(s)) })
	e.SetTimeoutCallback(func(s types.ScreenID) { calls.add("timeout:" + string(s)) })

	e.Start(60*time.Millisecond, types.ScreenStroop)

	require.Eventually(t, func() bool {
		return e.State() == Expired
	}, 2*time.Second, 5*time.Millisecond)

	// 到期後再等一陣，確認不會重複觸發
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"finish:stroop", "timeout:stroop"}, calls.list())
	assert.Equal(t, time.Duration(0), e.Remaining())
}

// ============================================================================
// Stop 與搶占
// ============================================================================

// TestStopIdempotent 測試任何狀態下 Stop 都安全
func TestStopIdempotent(t *testing.T) {
	e := newTestEngine(nil)

	e.Stop() // Idle 時直接 Stop
	assert.Equal(t, Idle, e.State())

	calls := &callbackLog{}
	e.SetFinishCallback(func(types.ScreenID) { calls.add("finish") })
	e.SetTimeoutCallback(func(types.ScreenID) { calls.add("timeout") })
	e.Start(50*time.Millisecond, types.ScreenRelaxation)

	e.Stop()
	e.Stop()
	assert.Equal(t, Idle, e.State())
	assert.Equal(t, time.Duration(0), e.Remaining())

	// 停止後的殘留 tick 不可能再觸發回呼
	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, calls.list())
}

// TestStartPreemptsRunning 測試後寫者勝：新倒數搶占舊倒數
func TestStartPreemptsRunning(t *testing.T) {
	e := newTestEngine(nil)
	defer e.Stop()

	calls := &callbackLog{}
	e.SetFinishCallback(func(s types.ScreenID) { calls.add("finish:" + string(s)) })
	e.Start(30*time.Millisecond, types.ScreenRelaxation)

	// 立刻用另一個螢幕的長倒數搶占，舊倒數的到期絕不能再發生
	e.SetFinishCallback(func(s types.ScreenID) { calls.add("finish:" + string(s)) })
	e.Start(5*time.Second, types.ScreenStroop)

	assert.Equal(t, Running, e.State())
	assert.Equal(t, types.ScreenStroop, e.Screen())

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, calls.list(), "preempted countdown must not fire callbacks")
	assert.Equal(t, Running, e.State())
}

// TestDisabledEngine 測試倒數停用時 Start 為 no-op
func TestDisabledEngine(t *testing.T) {
	e := newTestEngine(nil)
	e.SetEnabled(false)

	e.Start(time.Second, types.ScreenRelaxation)
	assert.Equal(t, Idle, e.State())
	assert.Equal(t, time.Duration(0), e.Remaining())
}

// ============================================================================
// 耐久快照
// ============================================================================

// TestSnapshotOnBoundaryCrossing 測試跨越快照邊界時落盤
func TestSnapshotOnBoundaryCrossing(t *testing.T) {
	recorder := &fakeRecorder{}
	e := newTestEngine(recorder)
	defer e.Stop()

	// 快照間隔縮到 50ms：總長 180ms 應該在 150/100/50ms 邊界各拍一次
	e.snapshotEvery = 50 * time.Millisecond
	e.Start(180*time.Millisecond, types.ScreenDescriptiveTask)

	require.Eventually(t, func() bool {
		return e.State() == Expired
	}, 2*time.Second, 5*time.Millisecond)

	states := recorder.snapshots()
	require.NotEmpty(t, states, "boundary crossings should persist snapshots")
	assert.LessOrEqual(t, len(states), 3)

	for i, state := range states {
		assert.Equal(t, 0.18, state.TotalSeconds)
		assert.Less(t, state.RemainingSeconds, 0.18, "no snapshot at countdown start")
		assert.Greater(t, state.RemainingSeconds, 0.0)
		if i > 0 {
			assert.Less(t, state.RemainingSeconds, states[i-1].RemainingSeconds)
		}
	}
}

// TestSnapshotAfterRestoreBounded 測試恢復後的快照不超過恢復時的剩餘值
func TestSnapshotAfterRestoreBounded(t *testing.T) {
	recorder := &fakeRecorder{}
	e := newTestEngine(recorder)
	defer e.Stop()

	// 總長 600ms 但只剩 120ms：快照邊界必須從 120ms 起算，
	// 不能把接近總長的邊界當成剛跨越而落盤
	e.snapshotEvery = 50 * time.Millisecond
	e.Restore(600*time.Millisecond, 120*time.Millisecond, types.ScreenDescriptiveTask)

	require.Eventually(t, func() bool {
		return e.State() == Expired
	}, 2*time.Second, 5*time.Millisecond)

	states := recorder.snapshots()
	require.NotEmpty(t, states)
	for _, state := range states {
		assert.Equal(t, 0.6, state.TotalSeconds)
		assert.LessOrEqual(t, state.RemainingSeconds, 0.12,
			"snapshot after restore must not exceed the restored remaining")
		assert.Greater(t, state.RemainingSeconds, 0.0)
	}
}

// TestUpdateCallbackReportsRemaining 測試 UI 更新回呼
func TestUpdateCallbackReportsRemaining(t *testing.T) {
	e := newTestEngine(nil)
	defer e.Stop()

	var mu sync.Mutex
	var seen []time.Duration
	e.SetUpdateCallback(func(_ types.ScreenID, remaining time.Duration) {
		mu.Lock()
		seen = append(seen, remaining)
		mu.Unlock()
	})

	e.Start(100*time.Millisecond, types.ScreenMathTask)
	require.Eventually(t, func() bool {
		return e.State() == Expired
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.LessOrEqual(t, seen[i], seen[i-1])
	}
	assert.Equal(t, time.Duration(0), seen[len(seen)-1], "final update reports zero on expiry")
}
