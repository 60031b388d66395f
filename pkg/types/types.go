// Package types 定義了 moly-session 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"time"
)

// ScreenID 螢幕唯一識別碼
type ScreenID string

// 定義實驗流程中的所有螢幕（包含過場螢幕）
const (
	ScreenParticipantID         ScreenID = "participant_id"             // 受試者編號輸入
	ScreenPrestudySurvey        ScreenID = "prestudy_survey"            // 前測問卷
	ScreenConsent               ScreenID = "consent"                    // 知情同意
	ScreenRelaxation            ScreenID = "relaxation"                 // 放鬆（影片背景）
	ScreenDescriptiveTransition ScreenID = "descriptive_transition"     // 書寫任務過場
	ScreenDescriptiveTask       ScreenID = "descriptive_task"           // 書寫任務
	ScreenStroopTransition      ScreenID = "stroop_transition"          // 色字任務過場
	ScreenStroop                ScreenID = "stroop"                     // 色字（Stroop）任務
	ScreenMathTransition        ScreenID = "math_transition"            // 算術任務過場
	ScreenMathTask              ScreenID = "math_task"                  // 算術任務
	ScreenPerformanceTransition ScreenID = "performance_transition"     // 表現任務過場
	ScreenContentPerformance    ScreenID = "content_performance"        // 內容表現任務
	ScreenRestTransition        ScreenID = "post_study_rest_transition" // 休息過場
	ScreenPostStudyRest         ScreenID = "post_study_rest"            // 實驗後休息
	ScreenPoststudySurvey       ScreenID = "poststudy_survey"           // 後測問卷
	ScreenDone                  ScreenID = "done"                       // 流程結束
)

// ActionType 動作事件類型
type ActionType string

// 定義動作日誌中的事件類型常數
const (
	ActionScreenTransition    ActionType = "SCREEN_TRANSITION"           // 開始切換螢幕
	ActionScreenDisplayed     ActionType = "SCREEN_DISPLAYED"            // 螢幕完整顯示
	ActionTransitionDisplayed ActionType = "TRANSITION_SCREEN_DISPLAYED" // 過場螢幕顯示（舊格式）
	ActionKeyPress            ActionType = "KEY_PRESS"                   // 使用者按鍵
	ActionAutoTimeout         ActionType = "AUTO_TIMEOUT_TRANSITION"     // 倒數到期的自動切換
	ActionCountdownStarted    ActionType = "COUNTDOWN_STARTED"           // 倒數開始
	ActionCountdownState      ActionType = "COUNTDOWN_STATE"             // 倒數狀態快照（供恢復）
	ActionPartialText         ActionType = "PARTIAL_TEXT_UPDATE"         // 書寫任務草稿快照（供恢復）
	ActionResponseCompleted   ActionType = "RESPONSE_COMPLETED"          // 書寫任務單題完成
	ActionSentenceCompleted   ActionType = "SENTENCE_COMPLETED"          // 書寫任務單句完成
	ActionApplicationExit     ActionType = "APPLICATION_EXIT"            // 正常結束（會觸發 finalize）
	ActionApplicationReopened ActionType = "APPLICATION_REOPENED"        // 崩潰後重新開啟
	ActionSessionResumed      ActionType = "SESSION_RESUMED"             // 恢復既有 session
	ActionRecoveryRestart     ActionType = "RECOVERY_RESTART"            // 操作者選擇放棄子狀態重來
	ActionCrashDetected       ActionType = "APPLICATION_CRASH_DETECTED"  // 訊號觸發的盡力崩潰標記
)

// Timestamp 事件時間戳，與磁碟上的 JSON 格式一一對應
type Timestamp struct {
	Local string  `json:"local"` // 本地時間 "2006-01-02 15:04:05.000"
	UTC   string  `json:"utc"`   // UTC 時間，同上格式
	Unix  float64 `json:"unix"`  // Unix 秒（含小數）
}

const timeLayout = "2006-01-02 15:04:05.000"

// NewTimestamp 以指定時間建立 Timestamp
func NewTimestamp(now time.Time) Timestamp {
	return Timestamp{
		Local: now.Format(timeLayout),
		UTC:   now.UTC().Format(timeLayout),
		Unix:  float64(now.UnixNano()) / 1e9,
	}
}

// Event 動作日誌中的單筆事件（JSON Lines，一行一筆）
//
// 不變量：寫入後不可變；日誌只能追加。讀取端必須容忍 unix 時間戳輕微亂序
// （解讀前先排序）以及格式錯誤的行（跳過，不中斷）。
type Event struct {
	Timestamp              Timestamp       `json:"timestamp"`
	ParticipantID          string          `json:"participant_id"`
	ActionType             ActionType      `json:"action_type"`
	Details                json.RawMessage `json:"details"` // 字串或物件
	Screen                 ScreenID        `json:"screen"`
	SessionDurationSeconds float64         `json:"session_duration_seconds"`
}

// DetailString 回傳 details 的字串形式
//
// details 欄位可能是 JSON 字串或物件：字串直接解碼回傳，物件回傳原始 JSON 文字。
func (e *Event) DetailString() string {
	var s string
	if err := json.Unmarshal(e.Details, &s); err == nil {
		return s
	}
	return string(e.Details)
}

// DecodeDetails 將 details 物件解碼到 v
func (e *Event) DecodeDetails(v interface{}) error {
	return json.Unmarshal(e.Details, v)
}

// CountdownStateDetails COUNTDOWN_STATE 事件的 details 內容
type CountdownStateDetails struct {
	RemainingSeconds   float64 `json:"remaining_seconds"`
	TotalSeconds       float64 `json:"total_seconds"`
	PercentageComplete float64 `json:"percentage_complete"`
}

// PartialTextDetails PARTIAL_TEXT_UPDATE 事件的 details 內容
type PartialTextDetails struct {
	TextContent        string   `json:"text_content"`
	TextLength         int      `json:"text_length"`
	WordCount          int      `json:"word_count"`
	CurrentPromptIndex int      `json:"current_prompt_index"`
	CountdownRemaining *float64 `json:"countdown_remaining"`
}

// ResponseCompletedDetails RESPONSE_COMPLETED 事件的 details 內容
type ResponseCompletedDetails struct {
	PromptIndex    int    `json:"prompt_index"` // 0 起算
	PromptText     string `json:"prompt_text"`
	ResponseText   string `json:"response_text"`
	WordCount      int    `json:"word_count"`
	CharacterCount int    `json:"character_count"`
}

// SentenceCompletedDetails SENTENCE_COMPLETED 事件的 details 內容
type SentenceCompletedDetails struct {
	Sentence       string `json:"sentence"`
	WordCount      int    `json:"word_count"`
	CharacterCount int    `json:"character_count"`
}

// SessionTime session 描述檔中的時間欄位（與 Timestamp 的差異在 unix 欄位名稱）
type SessionTime struct {
	Local         string  `json:"local"`
	UTC           string  `json:"utc"`
	UnixTimestamp float64 `json:"unix_timestamp"`
}

// NewSessionTime 以指定時間建立 SessionTime
func NewSessionTime(now time.Time) SessionTime {
	return SessionTime{
		Local:         now.Format(timeLayout),
		UTC:           now.UTC().Format(timeLayout),
		UnixTimestamp: float64(now.UnixNano()) / 1e9,
	}
}

// ConfigSnapshot 寫入 session 描述檔的執行期設定快照
type ConfigSnapshot struct {
	DeveloperMode               bool    `json:"developer_mode" yaml:"developer_mode"`
	FocusMode                   bool    `json:"focus_mode" yaml:"focus_mode"`
	DescriptiveLineLogging      bool    `json:"descriptive_line_logging" yaml:"descriptive_line_logging"`
	CountdownEnabled            bool    `json:"countdown_enabled" yaml:"countdown_enabled"`
	DescriptiveCountdownMinutes float64 `json:"descriptive_countdown_minutes" yaml:"descriptive_countdown_minutes"`
	StroopCountdownMinutes      float64 `json:"stroop_countdown_minutes" yaml:"stroop_countdown_minutes"`
	MathCountdownMinutes        float64 `json:"math_countdown_minutes" yaml:"math_countdown_minutes"`
	RelaxationCountdownMinutes  float64 `json:"relaxation_countdown_minutes" yaml:"relaxation_countdown_minutes"`
	TaskSelectionMode           string  `json:"task_selection_mode" yaml:"task_selection_mode"`
}

// FileStructure session 目錄內各日誌檔的檔名（不含路徑）
type FileStructure struct {
	SessionInfo          string `json:"session_info"`
	ActionsLog           string `json:"actions_log"`
	DescriptiveResponses string `json:"descriptive_responses"`
}

// SessionDescriptor session 描述檔
//
// 生命週期：session 開始時建立一次（身份欄位不可變），finalize 時變更恰好一次
// （補上結束欄位），執行期間不得刪除。
//
// 不變量：「完成」⇔ session_end_time 存在，此為唯一的完成訊號。
type SessionDescriptor struct {
	ParticipantID      string         `json:"participant_id"`
	SessionStartTime   SessionTime    `json:"session_start_time"`
	ApplicationVersion string         `json:"application_version,omitempty"`
	Configuration      ConfigSnapshot `json:"configuration"`
	FileStructure      FileStructure  `json:"file_structure"`

	SessionEndTime         *SessionTime `json:"session_end_time,omitempty"`
	SessionDurationSeconds *float64     `json:"session_duration_seconds,omitempty"`
	SessionDurationMinutes *float64     `json:"session_duration_minutes,omitempty"`
}

// IsComplete 檢查 session 是否已正常結束
func (d *SessionDescriptor) IsComplete() bool {
	return d != nil && d.SessionEndTime != nil
}

// CompletedResponse 已完成的書寫任務回應（由事件重放還原，不單獨持久化）
type CompletedResponse struct {
	PromptIndex int    `json:"prompt_index"`
	Text        string `json:"text"`
	WordCount   int    `json:"word_count"`
}

// TaskProgress 可恢復螢幕的子狀態（目前只有書寫任務使用）
type TaskProgress struct {
	PromptIndex               int                 `json:"prompt_index"`
	CompletedResponses        []CompletedResponse `json:"completed_responses"`
	PartialText               string              `json:"partial_text,omitempty"`
	CountdownRemainingSeconds *float64            `json:"countdown_remaining_seconds,omitempty"`
}

// RecoveryDecision 恢復分析的結果，啟動時由 ScreenFlowController 消費恰好一次
type RecoveryDecision struct {
	ParticipantID    string
	LastScreen       ScreenID
	SessionStartUnix float64
	SessionDir       string        // session 所在目錄
	DescriptorPath   string        // session_info 檔案路徑
	Stamp            string        // 檔名中的時間戳後綴
	Progress         *TaskProgress // resumable_substate；nil 表示該螢幕重新開始
}

// ScreenTrait 螢幕能力旗標
//
// 取代原設計中以執行期內省判斷能力的做法：恢復分析與流程控制一律查這張靜態表。
type ScreenTrait struct {
	Resumable    bool // 是否帶可恢復的子狀態
	HasCountdown bool // 是否有倒數計時
}

// ScreenTraits 各螢幕的能力查表
var ScreenTraits = map[ScreenID]ScreenTrait{
	ScreenParticipantID:         {},
	ScreenPrestudySurvey:        {},
	ScreenConsent:               {},
	ScreenRelaxation:            {HasCountdown: true},
	ScreenDescriptiveTransition: {},
	ScreenDescriptiveTask:       {Resumable: true, HasCountdown: true},
	ScreenStroopTransition:      {},
	ScreenStroop:                {HasCountdown: true},
	ScreenMathTransition:        {},
	ScreenMathTask:              {HasCountdown: true},
	ScreenPerformanceTransition: {},
	ScreenContentPerformance:    {},
	ScreenRestTransition:        {},
	ScreenPostStudyRest:         {HasCountdown: true},
	ScreenPoststudySurvey:       {},
	ScreenDone:                  {},
}

// ScreenOrder 實驗流程中螢幕的固定順序
var ScreenOrder = []ScreenID{
	ScreenParticipantID,
	ScreenPrestudySurvey,
	ScreenConsent,
	ScreenRelaxation,
	ScreenDescriptiveTransition,
	ScreenDescriptiveTask,
	ScreenStroopTransition,
	ScreenStroop,
	ScreenMathTransition,
	ScreenMathTask,
	ScreenPerformanceTransition,
	ScreenContentPerformance,
	ScreenRestTransition,
	ScreenPostStudyRest,
	ScreenPoststudySurvey,
	ScreenDone,
}

// IsTransitionScreen 判斷是否為過場螢幕
func IsTransitionScreen(id ScreenID) bool {
	switch id {
	case ScreenDescriptiveTransition, ScreenStroopTransition, ScreenMathTransition,
		ScreenPerformanceTransition, ScreenRestTransition:
		return true
	}
	return false
}
