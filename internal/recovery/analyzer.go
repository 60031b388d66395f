package recovery

// ============================================================================
// 崩潰恢復分析器
// 啟動時執行恰好一次：掃描 logs 根目錄下所有 session 描述檔，找出未完成的
// session（描述檔缺 session_end_time），重放其動作日誌，還原出受試者當時
// 走到哪個螢幕、以及可恢復螢幕的子狀態，產出一份 RecoveryDecision 交給
// 流程控制器消費。
//
// 容錯原則：分析只讀不寫。描述檔損毀、動作日誌打不開、或日誌裡找不到任何
// 螢幕事件的候選 session 一律記 warn 後剔除，換下一個候選，絕不讓啟動失敗。
// ============================================================================

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/ChuLiYu/moly-session/internal/eventlog"
	"github.com/ChuLiYu/moly-session/internal/session"
	"github.com/ChuLiYu/moly-session/pkg/types"
)

// ResumePolicy 各螢幕的恢復策略
type ResumePolicy int

// 恢復策略常數
const (
	// PolicyFreshRestart 回到該螢幕但內部狀態全部重來（倒數重新計滿）
	PolicyFreshRestart ResumePolicy = iota
	// PolicyResumeProgress 還原子狀態：已完成的題目、草稿、剩餘倒數秒數
	PolicyResumeProgress
	// PolicyResetProgress 回到該螢幕的第一題，放棄已還原的子狀態
	PolicyResetProgress
)

// ReplayObserver 接收重放層的觀測回呼（由 metrics 實作）
type ReplayObserver interface {
	RecordSkippedLines(n int)
}

// Analyzer 崩潰恢復分析器
type Analyzer struct {
	root     string
	logger   *slog.Logger
	policies map[types.ScreenID]ResumePolicy
	observer ReplayObserver
}

// NewAnalyzer 建立分析器
//
// 參數:
//   - root: logs 根目錄（其下每個子目錄對應一位受試者）
//   - logger: 診斷日誌，nil 時用預設
func NewAnalyzer(root string, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	policies := make(map[types.ScreenID]ResumePolicy)
	for id, trait := range types.ScreenTraits {
		if trait.Resumable {
			policies[id] = PolicyResumeProgress
		} else {
			policies[id] = PolicyFreshRestart
		}
	}
	return &Analyzer{root: root, logger: logger, policies: policies}
}

// SetPolicy 覆寫單一螢幕的恢復策略（操作者選擇「重做本階段」時使用）
func (a *Analyzer) SetPolicy(screen types.ScreenID, policy ResumePolicy) {
	a.policies[screen] = policy
}

// SetObserver 設定觀測回呼（可為 nil）
func (a *Analyzer) SetObserver(o ReplayObserver) {
	a.observer = o
}

// candidate 掃描階段收集到的未完成 session
type candidate struct {
	descriptor *types.SessionDescriptor
	paths      session.Paths
}

// Scan 掃描並產出恢復決定
//
// 回傳:
//   - (*types.RecoveryDecision, nil): 找到可恢復的 session
//   - (nil, nil): 沒有未完成的 session，正常全新啟動
//   - (nil, error): logs 根目錄存在但無法讀取
//
// 行為: 多個未完成 session 並存時，取 session_start_time unix 最大（最近
// 開始）者。被選中的候選若連一筆螢幕事件都重放不出來，剔除後換次近的。
func (a *Analyzer) Scan() (*types.RecoveryDecision, error) {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var candidates []candidate
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pattern := filepath.Join(a.root, entry.Name(), "session_info_*.json")
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, descriptorPath := range matches {
			descriptor, err := session.Load(descriptorPath)
			if err != nil {
				a.logger.Warn("Skipping unreadable session descriptor",
					"path", descriptorPath, "error", err)
				continue
			}
			if descriptor.IsComplete() {
				continue
			}
			candidates = append(candidates, candidate{
				descriptor: descriptor,
				paths:      session.PathsFromDescriptor(descriptorPath),
			})
		}
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	// 最近開始的排前面
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].descriptor.SessionStartTime.UnixTimestamp >
			candidates[j].descriptor.SessionStartTime.UnixTimestamp
	})

	for _, cand := range candidates {
		decision := a.analyze(cand)
		if decision != nil {
			a.logger.Info("Incomplete session found",
				"participant_id", decision.ParticipantID,
				"last_screen", string(decision.LastScreen),
				"session_dir", decision.SessionDir)
			return decision, nil
		}
	}
	return nil, nil
}

// analyze 重放單一候選的動作日誌，失敗回傳 nil（呼叫端換下一個候選）
func (a *Analyzer) analyze(cand candidate) *types.RecoveryDecision {
	events, skipped, err := eventlog.ReadAll(cand.paths.ActionsPath)
	if err != nil {
		a.logger.Warn("Skipping session with unreadable actions log",
			"path", cand.paths.ActionsPath, "error", err)
		return nil
	}
	if skipped > 0 {
		a.logger.Warn("Malformed lines skipped during replay",
			"path", cand.paths.ActionsPath, "skipped", skipped)
		if a.observer != nil {
			a.observer.RecordSkippedLines(skipped)
		}
	}

	lastScreen := lastDisplayedScreen(events)
	if lastScreen == "" {
		a.logger.Warn("No screen event found in actions log, skipping session",
			"path", cand.paths.ActionsPath)
		return nil
	}
	trait, known := types.ScreenTraits[lastScreen]
	if !known {
		a.logger.Warn("Unknown screen in actions log, skipping session",
			"path", cand.paths.ActionsPath, "screen", string(lastScreen))
		return nil
	}
	if lastScreen == types.ScreenDone {
		// 流程已走完只是沒來得及 finalize，沒有東西好恢復
		return nil
	}

	decision := &types.RecoveryDecision{
		ParticipantID:    cand.descriptor.ParticipantID,
		LastScreen:       lastScreen,
		SessionStartUnix: cand.descriptor.SessionStartTime.UnixTimestamp,
		SessionDir:       cand.paths.Dir,
		DescriptorPath:   cand.paths.DescriptorPath,
		Stamp:            cand.paths.Stamp,
	}
	if trait.Resumable && a.policies[lastScreen] == PolicyResumeProgress {
		decision.Progress = reconstructProgress(events, lastScreen)
	}
	return decision
}

// lastDisplayedScreen 找出日誌中最後一筆螢幕顯示事件所指的螢幕
func lastDisplayedScreen(events []types.Event) types.ScreenID {
	var screen types.ScreenID
	for i := range events {
		switch events[i].ActionType {
		case types.ActionScreenDisplayed, types.ActionTransitionDisplayed:
			screen = events[i].Screen
		}
	}
	return screen
}

// reconstructProgress 由事件重放還原書寫任務的子狀態
//
// 規則:
//   - prompt_index = 已完成題目的最大索引 + 1（事件內索引 0 起算）
//   - 草稿取最後一筆 PARTIAL_TEXT_UPDATE，但若其後出現同題或更後題的
//     RESPONSE_COMPLETED 則視為已被取代
//   - 剩餘倒數秒數取最晚的來源：PARTIAL_TEXT_UPDATE 附帶值或 COUNTDOWN_STATE
func reconstructProgress(events []types.Event, screen types.ScreenID) *types.TaskProgress {
	progress := &types.TaskProgress{}
	completed := make(map[int]types.CompletedResponse)

	var partialText string
	var partialIndex int
	hasPartial := false

	for i := range events {
		ev := &events[i]
		switch ev.ActionType {
		case types.ActionResponseCompleted:
			var d types.ResponseCompletedDetails
			if err := ev.DecodeDetails(&d); err != nil {
				continue
			}
			completed[d.PromptIndex] = types.CompletedResponse{
				PromptIndex: d.PromptIndex,
				Text:        d.ResponseText,
				WordCount:   d.WordCount,
			}
			if d.PromptIndex+1 > progress.PromptIndex {
				progress.PromptIndex = d.PromptIndex + 1
			}
			if hasPartial && partialIndex <= d.PromptIndex {
				hasPartial = false
			}
		case types.ActionPartialText:
			var d types.PartialTextDetails
			if err := ev.DecodeDetails(&d); err != nil {
				continue
			}
			partialText = d.TextContent
			partialIndex = d.CurrentPromptIndex
			hasPartial = true
			if d.CountdownRemaining != nil {
				v := *d.CountdownRemaining
				progress.CountdownRemainingSeconds = &v
			}
		case types.ActionCountdownState:
			if ev.Screen != screen {
				continue
			}
			var d types.CountdownStateDetails
			if err := ev.DecodeDetails(&d); err != nil {
				continue
			}
			v := d.RemainingSeconds
			progress.CountdownRemainingSeconds = &v
		}
	}

	if hasPartial && partialIndex >= progress.PromptIndex {
		progress.PartialText = partialText
	}

	indexes := make([]int, 0, len(completed))
	for idx := range completed {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		progress.CompletedResponses = append(progress.CompletedResponses, completed[idx])
	}
	return progress
}
