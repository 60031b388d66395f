package eventlog

// ============================================================================
// 動作日誌核心實作
// 職責：
// 1. 追加事件到 session 的動作日誌（append-only、一行一筆 JSON）
// 2. 提供重放功能以供崩潰恢復
// 3. Append 絕不向呼叫端回傳錯誤（可用性優先於持久性）
// ============================================================================

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/moly-session/pkg/types"
)

// Observer 接收日誌層的觀測回呼（由 metrics 實作）
type Observer interface {
	EventAppended()
	EventDropped()
}

// Log 表示單一 session 的動作日誌
//
// 每個 session 目錄只有一個寫入者行程，因此不需要跨行程鎖；行程內以互斥鎖
// 確保單筆事件以單一 write 呼叫寫入，不會出現交錯的半行。
type Log struct {
	mu            sync.Mutex
	file          *os.File
	path          string
	participantID string
	sessionStart  time.Time // session_duration_seconds 的基準
	logger        *slog.Logger
	observer      Observer
	dropped       int // 因 I/O 失敗而丟棄的事件數
	closed        bool
}

/*
Open 建立或開啟一個動作日誌

行為：
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋既有事件
- 檔案不存在時建立新檔
- sessionStart 作為每筆事件 session_duration_seconds 的計算基準；
  恢復既有 session 時應傳入原始開始時間，讓計時保持連續
*/
func Open(path, participantID string, sessionStart time.Time, logger *slog.Logger) (*Log, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Log{
		file:          file,
		path:          path,
		participantID: participantID,
		sessionStart:  sessionStart,
		logger:        logger,
	}, nil
}

// SetObserver 設定觀測回呼（可為 nil）
func (l *Log) SetObserver(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observer = o
}

// Append 追加一筆事件
//
// 契約：絕不向呼叫端回傳錯誤。序列化或 I/O 失敗時記到診斷日誌並丟棄這筆
// 事件——丟掉一筆事件不能讓實驗流程停住。
//
// 參數：
//
//	action  - 事件類型（SCREEN_DISPLAYED、COUNTDOWN_STATE 等）
//	details - 字串或可序列化為 JSON 物件的結構
//	screen  - 事件發生時的螢幕
func (l *Log) Append(action types.ActionType, details interface{}, screen types.ScreenID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	rawDetails, err := json.Marshal(details)
	if err != nil {
		l.dropLocked(action, err)
		return
	}

	event := types.Event{
		Timestamp:              types.NewTimestamp(now),
		ParticipantID:          l.participantID,
		ActionType:             action,
		Details:                rawDetails,
		Screen:                 screen,
		SessionDurationSeconds: now.Sub(l.sessionStart).Seconds(),
	}

	line, err := json.Marshal(event)
	if err != nil {
		l.dropLocked(action, err)
		return
	}

	if l.closed || l.file == nil {
		l.dropLocked(action, os.ErrClosed)
		return
	}

	// 單一 write 呼叫寫入整行，避免半行交錯
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		l.dropLocked(action, err)
		return
	}
	if err := l.file.Sync(); err != nil {
		l.logger.Warn("Failed to sync action log", "path", l.path, "error", err)
	}

	if l.observer != nil {
		l.observer.EventAppended()
	}
}

// dropLocked 記錄一筆被丟棄的事件，假設呼叫者已持有 l.mu
func (l *Log) dropLocked(action types.ActionType, err error) {
	l.dropped++
	l.logger.Warn("Dropping action log event",
		"action", string(action),
		"path", l.path,
		"dropped_total", l.dropped,
		"error", err)
	if l.observer != nil {
		l.observer.EventDropped()
	}
}

// Dropped 回傳因 I/O 失敗而丟棄的事件數
func (l *Log) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Path 回傳日誌檔路徑
func (l *Log) Path() string {
	return l.path
}

// Close 關閉日誌檔
//
// 關閉後的 Append 視同 I/O 失敗：計入丟棄、不 panic、不回傳錯誤。
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	file := l.file
	l.file = nil
	if file == nil {
		return nil
	}
	return file.Close()
}
