package countdown

// ============================================================================
// 倒數計時引擎
// 職責：
// 1. 以牆上時鐘為基準推導剩餘時間（now - anchor），絕不用 tick 次數累加，
//    排程抖動或慢 tick 不會造成飄移
// 2. 每 30 實際秒追加一筆 COUNTDOWN_STATE 快照到動作日誌（供崩潰恢復）
// 3. 到期時先呼叫 finish 回呼（開放手動前進）、再呼叫 timeout 回呼
//    （驅動自動切換），各恰好一次
// 4. 全系統同時只有零或一個 Running 的倒數：Start 一律先搶占舊的
//
// 並發模型：tick 在引擎自己的計時 goroutine 上發生；回呼也在該 goroutine
// 上被呼叫，呼叫端（流程控制器）負責把 UI 變更丟回控制執行緒。世代計數
// （gen）保證被搶占或已停止的倒數殘留的 tick 不會再觸發任何回呼。
// ============================================================================

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/moly-session/pkg/types"
)

// State 引擎狀態
type State int

// 狀態常數：Idle → Running → Expired；Running → Idle 經由 Stop
const (
	Idle State = iota
	Running
	Expired
)

// String 回傳狀態名稱
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Expired:
		return "expired"
	}
	return "unknown"
}

// Recorder 引擎寫入倒數快照的出口（由 eventlog.Log 實作）
type Recorder interface {
	Append(action types.ActionType, details interface{}, screen types.ScreenID)
}

// Engine 倒數計時引擎
type Engine struct {
	mu       sync.Mutex
	recorder Recorder
	logger   *slog.Logger
	enabled  bool

	tickEvery     time.Duration // tick 間隔，固定短間隔（預設 100ms）
	snapshotEvery time.Duration // 快照間隔（預設 30 實際秒）

	state      State
	screen     types.ScreenID
	total      time.Duration
	anchor     time.Time
	gen        uint64 // 世代計數，擋掉被搶占倒數的殘留 tick
	stopCh     chan struct{}
	prevBucket int64

	onUpdate  func(types.ScreenID, time.Duration) // UI 更新回呼（跨次啟動持續有效）
	onFinish  func(types.ScreenID)                // 到期回呼之一：開放手動前進
	onTimeout func(types.ScreenID)                // 到期回呼之二：驅動自動切換
}

// New 建立倒數引擎
func New(recorder Recorder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		recorder:      recorder,
		logger:        logger,
		enabled:       true,
		tickEvery:     100 * time.Millisecond,
		snapshotEvery: 30 * time.Second,
	}
}

// SetEnabled 開關倒數功能（關閉時 Start/Restore 為 no-op）
func (e *Engine) SetEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = enabled
}

// SetUpdateCallback 設定每個 tick 的 UI 更新回呼
//
// 回呼在計時 goroutine 上被呼叫；呼叫端必須自行把 UI 變更排回控制執行緒。
func (e *Engine) SetUpdateCallback(fn func(types.ScreenID, time.Duration)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onUpdate = fn
}

// SetFinishCallback 設定到期的 finish 回呼（Stop 會清除）
func (e *Engine) SetFinishCallback(fn func(types.ScreenID)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFinish = fn
}

// SetTimeoutCallback 設定到期的 timeout 回呼（Stop 會清除）
func (e *Engine) SetTimeoutCallback(fn func(types.ScreenID)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTimeout = fn
}

// Start 為指定螢幕啟動倒數
//
// 若已有倒數在跑（不論哪個螢幕），先停掉它——單一實例、後寫者勝。
// 啟動前已設定的 finish/timeout 回呼會保留給這次倒數使用。
func (e *Engine) Start(total time.Duration, screen types.ScreenID) {
	e.startAnchored(total, total, time.Now(), screen)
}

// Restore 從剩餘秒數恢復倒數（崩潰恢復用）
//
// 等價於 Start(total)，但 anchor 回推到 now - (total - remaining)，
// 下一個 tick 回報的就是 remaining 而不是完整時長。
func (e *Engine) Restore(total, remaining time.Duration, screen types.ScreenID) {
	if remaining < 0 {
		remaining = 0
	}
	if remaining > total {
		remaining = total
	}
	e.startAnchored(total, remaining, time.Now().Add(remaining-total), screen)
}

func (e *Engine) startAnchored(total, remaining time.Duration, anchor time.Time, screen types.ScreenID) {
	e.mu.Lock()

	if !e.enabled {
		e.mu.Unlock()
		e.logger.Info("Countdown disabled, not starting timer", "screen", string(screen))
		return
	}

	finish, timeout := e.onFinish, e.onTimeout
	e.stopLocked()
	e.onFinish, e.onTimeout = finish, timeout

	e.state = Running
	e.screen = screen
	e.total = total
	e.anchor = anchor
	// 以起始的剩餘時間起算 bucket：恢復場景的第一個 tick 不能把遠高於
	// 實際剩餘值的邊界當成「剛跨越」而落盤
	e.prevBucket = int64((remaining - time.Millisecond) / e.snapshotEvery)
	e.stopCh = make(chan struct{})

	gen := e.gen
	stopCh := e.stopCh
	tickEvery := e.tickEvery
	e.mu.Unlock()

	e.logger.Info("Countdown started",
		"screen", string(screen),
		"total", total,
		"remaining", total-time.Since(anchor))

	go e.run(gen, stopCh, tickEvery)
}

// Stop 停止倒數
//
// 冪等：任何狀態下呼叫任意次都不會出錯，結束後引擎為 Idle。取消 tick 來源
// 並清除 finish/timeout 回呼，已被取代的倒數殘留的 tick 不可能再觸發回呼。
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

// stopLocked 假設呼叫者已持有 e.mu
func (e *Engine) stopLocked() {
	if e.stopCh != nil {
		close(e.stopCh)
		e.stopCh = nil
	}
	e.gen++
	e.state = Idle
	e.screen = ""
	e.total = 0
	e.anchor = time.Time{}
	e.onFinish = nil
	e.onTimeout = nil
}

// State 回傳目前狀態
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Screen 回傳目前倒數所屬螢幕（非 Running 時為空）
func (e *Engine) Screen() types.ScreenID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.screen
}

// Remaining 回傳剩餘時間（由牆上時鐘推導）
func (e *Engine) Remaining() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Running {
		return 0
	}
	return e.remainingLocked(time.Now())
}

func (e *Engine) remainingLocked(now time.Time) time.Duration {
	remaining := e.total - now.Sub(e.anchor)
	if remaining < 0 {
		return 0
	}
	if remaining > e.total {
		return e.total
	}
	return remaining
}

// run 計時迴圈，在獨立 goroutine 上執行
func (e *Engine) run(gen uint64, stopCh chan struct{}, tickEvery time.Duration) {
	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if !e.tick(gen) {
				return
			}
		}
	}
}

// tick 處理單一 tick，回傳 false 表示迴圈應結束
func (e *Engine) tick(gen uint64) bool {
	e.mu.Lock()

	// 世代不符：這個 tick 屬於已被停止或搶占的倒數
	if gen != e.gen || e.state != Running {
		e.mu.Unlock()
		return false
	}

	now := time.Now()
	remaining := e.remainingLocked(now)
	screen := e.screen
	total := e.total
	onUpdate := e.onUpdate

	// 跨越 30 秒實際時間邊界時追加一筆耐久快照。
	// 用「bucket 下降」判斷而不是取餘數比對，慢 tick 不會漏拍也不會重拍。
	// 記錄的是最近一次跨越的邊界；慢 tick 一次越過多個邊界時，舊邊界
	// 已經過時，不落盤。
	var snapshot *types.CountdownStateDetails
	bucket := int64(remaining / e.snapshotEvery)
	if remaining > 0 && bucket < e.prevBucket {
		boundary := float64(bucket+1) * e.snapshotEvery.Seconds()
		totalSeconds := total.Seconds()
		pct := 0.0
		if totalSeconds > 0 {
			pct = (totalSeconds - boundary) / totalSeconds * 100
		}
		snapshot = &types.CountdownStateDetails{
			RemainingSeconds:   boundary,
			TotalSeconds:       totalSeconds,
			PercentageComplete: pct,
		}
	}
	e.prevBucket = bucket

	if remaining <= 0 {
		// 到期：Expired、finish 恰好一次、timeout 恰好一次、然後停止 tick 來源
		e.state = Expired
		finish := e.onFinish
		timeout := e.onTimeout
		e.onFinish = nil
		e.onTimeout = nil
		if e.stopCh != nil {
			close(e.stopCh)
			e.stopCh = nil
		}
		e.gen++
		e.mu.Unlock()

		if onUpdate != nil {
			onUpdate(screen, 0)
		}
		e.logger.Info("Countdown expired", "screen", string(screen), "total", total)
		if finish != nil {
			finish(screen)
		}
		if timeout != nil {
			timeout(screen)
		}
		return false
	}

	e.mu.Unlock()

	if onUpdate != nil {
		onUpdate(screen, remaining)
	}
	if snapshot != nil && e.recorder != nil {
		e.recorder.Append(types.ActionCountdownState, snapshot, screen)
	}
	return true
}
