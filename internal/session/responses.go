package session

// ============================================================================
// 書寫任務回應日誌
// 職責：把每一題完成的回應追加到 descriptive_responses_<ts>.jsonl。
// 與動作日誌同樣的契約：Append 絕不向呼叫端回傳錯誤。
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/moly-session/pkg/types"
)

// ResponseRecord 磁碟上的單筆回應（一行一筆 JSON）
type ResponseRecord struct {
	Timestamp              types.Timestamp `json:"timestamp"`
	ParticipantID          string          `json:"participant_id"`
	PromptIndex            int             `json:"prompt_index"` // 磁碟上 1 起算，沿用既有日誌格式
	PromptText             string          `json:"prompt_text"`
	ResponseText           string          `json:"response_text"`
	WordCount              int             `json:"word_count"`
	CharacterCount         int             `json:"character_count"`
	SessionDurationSeconds float64         `json:"session_duration_seconds"`
}

// ResponseLog 書寫任務回應的追加式日誌
type ResponseLog struct {
	mu            sync.Mutex
	file          *os.File
	path          string
	participantID string
	sessionStart  time.Time
	logger        *slog.Logger
	closed        bool
}

// OpenResponseLog 建立或開啟回應日誌
func OpenResponseLog(path, participantID string, sessionStart time.Time, logger *slog.Logger) (*ResponseLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseLog{
		file:          file,
		path:          path,
		participantID: participantID,
		sessionStart:  sessionStart,
		logger:        logger,
	}, nil
}

// Append 追加一筆完成的回應
//
// promptIndex 以 0 起算；寫入磁碟時轉為 1 起算，沿用既有日誌格式。
// I/O 失敗記到診斷日誌並丟棄，不向呼叫端回傳錯誤。
func (r *ResponseLog) Append(promptIndex int, promptText, responseText string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	record := ResponseRecord{
		Timestamp:              types.NewTimestamp(now),
		ParticipantID:          r.participantID,
		PromptIndex:            promptIndex + 1,
		PromptText:             promptText,
		ResponseText:           responseText,
		WordCount:              WordCount(responseText),
		CharacterCount:         len(responseText),
		SessionDurationSeconds: now.Sub(r.sessionStart).Seconds(),
	}

	line, err := json.Marshal(record)
	if err != nil {
		r.logger.Warn("Dropping descriptive response", "path", r.path, "error", err)
		return
	}
	if r.closed || r.file == nil {
		r.logger.Warn("Dropping descriptive response", "path", r.path, "error", os.ErrClosed)
		return
	}
	if _, err := r.file.Write(append(line, '\n')); err != nil {
		r.logger.Warn("Dropping descriptive response", "path", r.path, "error", err)
		return
	}
	if err := r.file.Sync(); err != nil {
		r.logger.Warn("Failed to sync response log", "path", r.path, "error", err)
	}
}

// Close 關閉回應日誌
func (r *ResponseLog) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	file := r.file
	r.file = nil
	if file == nil {
		return nil
	}
	return file.Close()
}

// ReadResponses 讀取一份回應日誌，損毀的行跳過並計數
func ReadResponses(path string) ([]ResponseRecord, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()

	var records []ResponseRecord
	skipped := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxResponseLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record ResponseRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			skipped++
			continue
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		skipped++
	}
	return records, skipped, nil
}

const maxResponseLineBytes = 4 * 1024 * 1024

// WordCount 計算空白分隔的字數
func WordCount(text string) int {
	return len(strings.Fields(text))
}
