// ============================================================================
// Moly 螢幕流程控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/flow
// 文件: controller.go
// 功能: 協調 session 生命週期、螢幕切換、倒數引擎與事件日誌
//
// 架構設計:
//   這是整個系統的"大腦"，負責協調以下組件：
//   - eventlog.Log: 追加式動作日誌，所有狀態變更先落盤
//   - session: session 描述檔（建立恰好一次、finalize 恰好一次）與回應日誌
//   - countdown.Engine: 牆上時鐘倒數，到期驅動自動切換
//   - recovery: 啟動時的崩潰恢復決定，由本控制器消費恰好一次
//
// 併發模型（控制執行緒）:
//   所有狀態變更都被封送到單一控制 goroutine 上執行（ops channel）。
//   倒數回呼、媒體播放結束回呼、訊號處理都只是把閉包丟進 ops，
//   絕不直接碰控制器狀態。公開方法同步等待閉包執行完畢。
//
// 螢幕切換協定（順序固定）:
//   1. 停止現行倒數（殘留 tick 由引擎世代計數擋掉）
//   2. 執行舊螢幕的 teardown 掛鉤
//   3. 追加 SCREEN_TRANSITION 事件
//   4. 執行新螢幕的 setup 掛鉤（每次顯示恰好一次）
//   5. 追加 SCREEN_DISPLAYED（過場螢幕為 TRANSITION_SCREEN_DISPLAYED）
//   6. 新螢幕有倒數則啟動（恢復場景用 Restore 接續剩餘秒數）
//
// 協作者缺位降級:
//   螢幕掛鉤或媒體播放器缺位時記 warn 後照常走完切換協定，
//   流程與日誌不因 UI 協作者缺席而中斷。
//
// ============================================================================

package flow

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/moly-session/internal/countdown"
	"github.com/ChuLiYu/moly-session/internal/eventlog"
	"github.com/ChuLiYu/moly-session/internal/metrics"
	"github.com/ChuLiYu/moly-session/internal/session"
	"github.com/ChuLiYu/moly-session/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	LogsRoot         string               // logs 根目錄
	Snapshot         types.ConfigSnapshot // 寫入 session 描述檔的執行期設定
	ManualNavigation bool                 // 開發者模式：允許在倒數未結束前手動切換
	Prompts          []string             // 書寫任務題目
	Logger           *slog.Logger
	Collector        *metrics.Collector // 可為 nil
}

// ScreenHooks 單一螢幕的 UI 掛鉤
type ScreenHooks struct {
	Setup    func() error // 螢幕顯示前執行
	Teardown func()       // 離開螢幕時執行
}

// MediaPlayer 放鬆螢幕的影片播放協作者
type MediaPlayer interface {
	Play(screen types.ScreenID) error
	OnNaturalEnd(fn func())
	Stop()
}

// Controller 螢幕流程控制器
//
// 除註明者外，所有欄位只在控制 goroutine 上讀寫。
type Controller struct {
	cfg       Config
	logger    *slog.Logger
	engine    *countdown.Engine
	collector *metrics.Collector

	ops    chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex // 保護 stopped
	stopped bool

	crashRequested atomic.Bool

	ledgerMu  sync.Mutex    // 保護 ledger 指標（倒數 goroutine 會經由 recorder 讀取）
	ledger    *eventlog.Log // 目前 session 的動作日誌
	responses *session.ResponseLog

	participantID string
	paths         session.Paths
	sessionStart  time.Time
	current       types.ScreenID
	displayed     bool // 現行螢幕是否已走完顯示協定
	advanceOpen   bool // 是否開放手動前進

	hooks map[types.ScreenID]ScreenHooks
	media MediaPlayer

	// 書寫任務子狀態
	promptIndex int
	partialText string
	completed   []types.CompletedResponse
}

// snapshotRecorder 倒數引擎的落盤出口。轉寫到現行 ledger 並計數。
type snapshotRecorder struct {
	c *Controller
}

func (r snapshotRecorder) Append(action types.ActionType, details interface{}, screen types.ScreenID) {
	r.c.ledgerMu.Lock()
	ledger := r.c.ledger
	r.c.ledgerMu.Unlock()
	if ledger != nil {
		ledger.Append(action, details, screen)
	}
	if r.c.collector != nil && action == types.ActionCountdownState {
		r.c.collector.RecordCountdownSnapshot()
	}
}

// ============================================================================
// 生命週期
// ============================================================================

// NewController 建立流程控制器
func NewController(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Controller{
		cfg:       cfg,
		logger:    cfg.Logger,
		collector: cfg.Collector,
		ops:       make(chan func(), 64),
		stopCh:    make(chan struct{}),
		hooks:     make(map[types.ScreenID]ScreenHooks),
	}
	c.engine = countdown.New(snapshotRecorder{c}, cfg.Logger)
	c.engine.SetEnabled(cfg.Snapshot.CountdownEnabled)
	c.engine.SetUpdateCallback(func(_ types.ScreenID, remaining time.Duration) {
		if c.collector != nil {
			c.collector.SetCountdownRemaining(remaining.Seconds())
		}
	})
	return c
}

// Start 啟動控制執行緒
func (c *Controller) Start() {
	c.wg.Add(1)
	go c.run()
	c.logger.Info("Flow controller started")
}

// Stop 停止控制執行緒（冪等，不觸碰 session 檔案）
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.engine.Stop()
	close(c.stopCh)
	c.wg.Wait()
	c.logger.Info("Flow controller stopped")
}

// run 控制迴圈：依序執行被封送進來的閉包
func (c *Controller) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case fn := <-c.ops:
			fn()
		}
	}
}

// do 同步封送：把 fn 丟到控制 goroutine 執行並等它完成
func (c *Controller) do(fn func()) {
	done := make(chan struct{})
	select {
	case c.ops <- func() {
		fn()
		close(done)
	}:
		// 入列後控制迴圈可能先停掉，不能無限等
		select {
		case <-done:
		case <-c.stopCh:
		}
	case <-c.stopCh:
	}
}

// enqueue 非同步封送（回呼用，不可阻塞計時 goroutine）
func (c *Controller) enqueue(fn func()) {
	select {
	case c.ops <- fn:
	case <-c.stopCh:
	}
}

// RegisterHooks 註冊螢幕掛鉤（Start 之前呼叫）
func (c *Controller) RegisterHooks(screen types.ScreenID, hooks ScreenHooks) {
	c.hooks[screen] = hooks
}

// SetMediaPlayer 設定放鬆螢幕的媒體播放器（可不設）
func (c *Controller) SetMediaPlayer(p MediaPlayer) {
	c.media = p
	if p != nil {
		p.OnNaturalEnd(func() {
			c.enqueue(func() {
				if c.current == types.ScreenRelaxation {
					c.logger.Info("Media playback ended naturally")
				}
			})
		})
	}
}

// ============================================================================
// Session 生命週期
// ============================================================================

// BeginSession 建立全新 session 並進入第一個實驗螢幕
//
// 行為: 建立 session 目錄、描述檔（身份欄位自此不可變）、動作日誌與
// 回應日誌，然後切到前測問卷。受試者編號輸入發生在 session 建立之前，
// 故 participant_id 螢幕本身不產生事件。
func (c *Controller) BeginSession(participantID string) error {
	var err error
	c.do(func() {
		err = c.beginSession(participantID)
	})
	return err
}

func (c *Controller) beginSession(participantID string) error {
	now := time.Now()
	paths := session.NewPaths(c.cfg.LogsRoot, participantID, now)

	if _, err := session.Create(paths, participantID, c.cfg.Snapshot, now); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if err := c.openLogs(paths, participantID, now); err != nil {
		return err
	}

	c.participantID = participantID
	c.paths = paths
	c.sessionStart = now
	c.current = types.ScreenParticipantID
	c.displayed = false
	c.promptIndex = 0
	c.partialText = ""
	c.completed = nil

	c.logger.Info("Session started",
		"participant_id", participantID,
		"session_dir", paths.Dir)

	c.transitionTo(types.ScreenPrestudySurvey, nil)
	return nil
}

// ApplyDecision 消費崩潰恢復決定（恰好一次，Start 之後、任何切換之前）
//
// 參數:
//   - decision: recovery.Analyzer 的掃描結果
//   - resume: true 還原子狀態接續；false 放棄子狀態、該螢幕重來
//
// 行為: 重新開啟既有 session 的日誌檔（追加模式），把 session 起點
// rebase 回原本的開始時間讓 session_duration_seconds 保持連續，追加
// APPLICATION_REOPENED 與 SESSION_RESUMED（或 RECOVERY_RESTART），
// 然後回到崩潰時的螢幕。
func (c *Controller) ApplyDecision(decision *types.RecoveryDecision, resume bool) error {
	var err error
	c.do(func() {
		err = c.applyDecision(decision, resume)
	})
	return err
}

func (c *Controller) applyDecision(decision *types.RecoveryDecision, resume bool) error {
	paths := session.PathsFromDescriptor(decision.DescriptorPath)
	start := time.Unix(0, int64(decision.SessionStartUnix*1e9))

	if err := c.openLogs(paths, decision.ParticipantID, start); err != nil {
		return err
	}

	c.participantID = decision.ParticipantID
	c.paths = paths
	c.sessionStart = start
	c.current = types.ScreenParticipantID
	c.displayed = false
	c.promptIndex = 0
	c.partialText = ""
	c.completed = nil

	ledger := c.currentLedger()
	ledger.Append(types.ActionApplicationReopened,
		fmt.Sprintf("Application reopened after interruption on %s", decision.LastScreen), "")

	var progress *types.TaskProgress
	if resume {
		ledger.Append(types.ActionSessionResumed,
			fmt.Sprintf("Resuming session at %s", decision.LastScreen), "")
		progress = decision.Progress
	} else {
		ledger.Append(types.ActionRecoveryRestart,
			fmt.Sprintf("Operator chose to restart %s", decision.LastScreen), "")
	}

	if progress != nil {
		c.promptIndex = progress.PromptIndex
		c.partialText = progress.PartialText
		c.completed = append(c.completed, progress.CompletedResponses...)
	}

	c.logger.Info("Session resumed",
		"participant_id", decision.ParticipantID,
		"last_screen", string(decision.LastScreen),
		"resume", resume)

	c.transitionTo(decision.LastScreen, progress)
	return nil
}

// openLogs 開啟（或重新開啟）動作日誌與回應日誌
func (c *Controller) openLogs(paths session.Paths, participantID string, start time.Time) error {
	ledger, err := eventlog.Open(paths.ActionsPath, participantID, start, c.logger)
	if err != nil {
		return fmt.Errorf("open actions log: %w", err)
	}
	if c.collector != nil {
		ledger.SetObserver(c.collector)
	}
	responses, err := session.OpenResponseLog(paths.ResponsesPath, participantID, start, c.logger)
	if err != nil {
		ledger.Close()
		return fmt.Errorf("open responses log: %w", err)
	}

	c.ledgerMu.Lock()
	c.ledger = ledger
	c.ledgerMu.Unlock()
	c.responses = responses
	return nil
}

func (c *Controller) currentLedger() *eventlog.Log {
	c.ledgerMu.Lock()
	defer c.ledgerMu.Unlock()
	return c.ledger
}

// Quit 正常結束：APPLICATION_EXIT、finalize 描述檔、關閉日誌
func (c *Controller) Quit() error {
	var err error
	c.do(func() {
		err = c.quit()
	})
	c.Stop()
	return err
}

func (c *Controller) quit() error {
	c.engine.Stop()

	ledger := c.currentLedger()
	if ledger == nil {
		return nil
	}
	if c.crashRequested.Load() {
		// 退出途中收到中斷訊號，照崩潰流程處理，留給下次啟動恢復
		c.closeLogs()
		return nil
	}
	ledger.Append(types.ActionApplicationExit, "Application exiting normally", c.current)

	if _, err := session.Finalize(c.paths.DescriptorPath, time.Now()); err != nil {
		c.logger.Error("Failed to finalize session descriptor",
			"path", c.paths.DescriptorPath, "error", err)
		c.closeLogs()
		return err
	}
	c.closeLogs()
	c.logger.Info("Session finalized", "participant_id", c.participantID)
	return nil
}

// RequestShutdown 訊號處理入口（SIGINT/SIGTERM）
//
// 盡力而為：描述檔不 finalize（這次中斷就是下次啟動要偵測的崩潰），
// 只試著補一筆 APPLICATION_CRASH_DETECTED 方便事後分析。
func (c *Controller) RequestShutdown() {
	c.crashRequested.Store(true)
	c.do(func() {
		c.engine.Stop()
		if ledger := c.currentLedger(); ledger != nil {
			ledger.Append(types.ActionCrashDetected,
				"Interrupt signal received, shutting down without finalize", c.current)
		}
		c.closeLogs()
	})
	c.Stop()
}

func (c *Controller) closeLogs() {
	c.ledgerMu.Lock()
	ledger := c.ledger
	c.ledger = nil
	c.ledgerMu.Unlock()
	if ledger != nil {
		ledger.Close()
	}
	if c.responses != nil {
		c.responses.Close()
		c.responses = nil
	}
}

// ============================================================================
// 螢幕切換
// ============================================================================

// CurrentScreen 回傳現行螢幕
func (c *Controller) CurrentScreen() types.ScreenID {
	var screen types.ScreenID
	c.do(func() {
		screen = c.current
	})
	return screen
}

// Advance 手動前進到下一個螢幕
//
// 閘門: 有倒數的螢幕在倒數結束前不開放手動前進，除非開發者模式
// （ManualNavigation）打開。被擋下時回傳 false。
func (c *Controller) Advance() bool {
	var ok bool
	c.do(func() {
		ok = c.advance()
	})
	return ok
}

func (c *Controller) advance() bool {
	if !c.advanceOpen && !c.cfg.ManualNavigation {
		c.logger.Debug("Manual advance blocked",
			"screen", string(c.current))
		return false
	}
	next := nextScreen(c.current)
	if next == "" {
		return false
	}
	c.transitionTo(next, nil)
	return true
}

// RecordKeyPress 記錄一次按鍵
func (c *Controller) RecordKeyPress(key string) {
	c.do(func() {
		if ledger := c.currentLedger(); ledger != nil {
			ledger.Append(types.ActionKeyPress, key, c.current)
		}
	})
}

// transitionTo 執行完整螢幕切換協定。只在控制 goroutine 上呼叫。
func (c *Controller) transitionTo(target types.ScreenID, progress *types.TaskProgress) {
	if target == c.current && c.displayed {
		// 同一螢幕重複顯示是 no-op，不重跑 setup 也不重複記錄
		return
	}
	from := c.current

	// 1. 停掉現行倒數
	c.engine.Stop()

	// 2. 舊螢幕 teardown
	if hooks, ok := c.hooks[from]; ok && hooks.Teardown != nil {
		hooks.Teardown()
	}
	if from == types.ScreenRelaxation && c.media != nil {
		c.media.Stop()
	}

	ledger := c.currentLedger()

	// 3. 切換事件
	if ledger != nil {
		ledger.Append(types.ActionScreenTransition,
			fmt.Sprintf("Transitioning from %s to %s", from, target), target)
	}
	if c.collector != nil {
		c.collector.RecordTransition()
	}

	c.current = target
	c.displayed = false
	trait := types.ScreenTraits[target]
	c.advanceOpen = true

	// 4. 新螢幕 setup（缺位或失敗皆降級續行）
	if hooks, ok := c.hooks[target]; ok && hooks.Setup != nil {
		if err := hooks.Setup(); err != nil {
			c.logger.Warn("Screen setup hook failed, continuing",
				"screen", string(target), "error", err)
		}
	}
	if target == types.ScreenRelaxation {
		if c.media != nil {
			if err := c.media.Play(target); err != nil {
				c.logger.Warn("Media playback failed, continuing without video",
					"error", err)
			}
		} else {
			c.logger.Warn("No media player registered, relaxation screen runs without video")
		}
	}

	// 5. 顯示事件
	displayedAction := types.ActionScreenDisplayed
	if types.IsTransitionScreen(target) {
		displayedAction = types.ActionTransitionDisplayed
	}
	if ledger != nil {
		ledger.Append(displayedAction,
			fmt.Sprintf("%s screen displayed", target), target)
	}
	c.displayed = true

	// 6. 倒數。真的有倒數在跑才鎖住手動前進。
	if trait.HasCountdown && c.cfg.Snapshot.CountdownEnabled {
		if c.startCountdown(target, progress) {
			c.advanceOpen = false
		}
	}
}

// startCountdown 為新螢幕啟動（或恢復）倒數，回傳是否真的啟動
func (c *Controller) startCountdown(screen types.ScreenID, progress *types.TaskProgress) bool {
	total := c.countdownFor(screen)
	if total <= 0 {
		return false
	}

	c.engine.SetFinishCallback(func(s types.ScreenID) {
		c.enqueue(func() {
			if c.current == s {
				c.advanceOpen = true
			}
		})
	})
	c.engine.SetTimeoutCallback(func(s types.ScreenID) {
		c.enqueue(func() {
			if c.current != s {
				return
			}
			if ledger := c.currentLedger(); ledger != nil {
				ledger.Append(types.ActionAutoTimeout,
					fmt.Sprintf("Countdown expired on %s, advancing automatically", s), s)
			}
			if next := nextScreen(s); next != "" {
				c.transitionTo(next, nil)
			}
		})
	})

	ledger := c.currentLedger()
	if progress != nil && progress.CountdownRemainingSeconds != nil {
		remaining := time.Duration(*progress.CountdownRemainingSeconds * float64(time.Second))
		if ledger != nil {
			ledger.Append(types.ActionCountdownStarted,
				fmt.Sprintf("Countdown restored with %.0f seconds remaining", remaining.Seconds()), screen)
		}
		c.engine.Restore(total, remaining, screen)
		return true
	}
	if ledger != nil {
		ledger.Append(types.ActionCountdownStarted,
			fmt.Sprintf("%.1f minute countdown started", total.Minutes()), screen)
	}
	c.engine.Start(total, screen)
	return true
}

// countdownFor 查出螢幕的倒數總長
func (c *Controller) countdownFor(screen types.ScreenID) time.Duration {
	minutes := 0.0
	switch screen {
	case types.ScreenRelaxation, types.ScreenPostStudyRest:
		minutes = c.cfg.Snapshot.RelaxationCountdownMinutes
	case types.ScreenDescriptiveTask:
		minutes = c.cfg.Snapshot.DescriptiveCountdownMinutes
	case types.ScreenStroop:
		minutes = c.cfg.Snapshot.StroopCountdownMinutes
	case types.ScreenMathTask:
		minutes = c.cfg.Snapshot.MathCountdownMinutes
	}
	return time.Duration(minutes * float64(time.Minute))
}

// nextScreen 回傳流程順序中的下一個螢幕，最後一個之後回傳空字串
func nextScreen(cur types.ScreenID) types.ScreenID {
	for i, s := range types.ScreenOrder {
		if s == cur && i+1 < len(types.ScreenOrder) {
			return types.ScreenOrder[i+1]
		}
	}
	return ""
}
