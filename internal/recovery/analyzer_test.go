package recovery

// ============================================================================
// 崩潰恢復分析器測試
// 職責：驗證未完成 session 的偵測、候選選擇與書寫任務子狀態還原
// ============================================================================

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/ChuLiYu/moly-session/internal/session"
	"github.com/ChuLiYu/moly-session/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// evt 以指定 unix 時間戳組一筆事件
func evt(t *testing.T, unix float64, action types.ActionType, screen types.ScreenID, details interface{}) types.Event {
	t.Helper()
	raw, err := json.Marshal(details)
	require.NoError(t, err)
	return types.Event{
		Timestamp:     types.Timestamp{Unix: unix},
		ParticipantID: "test",
		ActionType:    action,
		Details:       raw,
		Screen:        screen,
	}
}

// writeSession 在 root 下鋪一個 session：描述檔 + 動作日誌
func writeSession(t *testing.T, root, participantID string, start time.Time, complete bool, events []types.Event) session.Paths {
	t.Helper()
	paths := session.NewPaths(root, participantID, start)
	_, err := session.Create(paths, participantID, types.ConfigSnapshot{CountdownEnabled: true}, start)
	require.NoError(t, err)
	if complete {
		_, err := session.Finalize(paths.DescriptorPath, start.Add(30*time.Minute))
		require.NoError(t, err)
	}

	var content []byte
	for _, event := range events {
		line, err := json.Marshal(event)
		require.NoError(t, err)
		content = append(content, line...)
		content = append(content, '\n')
	}
	require.NoError(t, os.WriteFile(paths.ActionsPath, content, 0644))
	return paths
}

func displayed(t *testing.T, unix float64, screen types.ScreenID) types.Event {
	return evt(t, unix, types.ActionScreenDisplayed, screen, string(screen)+" screen displayed")
}

// ============================================================================
// 候選偵測與選擇
// ============================================================================

// TestScanNoLogsRoot 測試 logs 根目錄不存在時正常全新啟動
func TestScanNoLogsRoot(t *testing.T) {
	analyzer := NewAnalyzer(t.TempDir()+"/missing", nil)
	decision, err := analyzer.Scan()
	require.NoError(t, err)
	assert.Nil(t, decision)
}

// TestScanIgnoresCompleteSessions 測試已完成的 session 不觸發恢復
func TestScanIgnoresCompleteSessions(t *testing.T) {
	root := t.TempDir()
	writeSession(t, root, "P001", time.Unix(1000, 0), true, []types.Event{
		displayed(t, 1001, types.ScreenDone),
	})

	decision, err := NewAnalyzer(root, nil).Scan()
	require.NoError(t, err)
	assert.Nil(t, decision)
}

// TestScanPicksMostRecentIncomplete 測試多個未完成 session 取最近開始者
func TestScanPicksMostRecentIncomplete(t *testing.T) {
	root := t.TempDir()
	// 受試者 A 在 t=100 中斷，受試者 B 在 t=200 中斷：必須選 B
	writeSession(t, root, "A", time.Unix(100, 0), false, []types.Event{
		displayed(t, 101, types.ScreenConsent),
	})
	writeSession(t, root, "B", time.Unix(200, 0), false, []types.Event{
		displayed(t, 201, types.ScreenRelaxation),
	})

	decision, err := NewAnalyzer(root, nil).Scan()
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, "B", decision.ParticipantID)
	assert.Equal(t, types.ScreenRelaxation, decision.LastScreen)
	assert.Equal(t, float64(200), decision.SessionStartUnix)
}

// TestScanSkipsCorruptDescriptor 測試描述檔損毀的候選被剔除
func TestScanSkipsCorruptDescriptor(t *testing.T) {
	root := t.TempDir()
	writeSession(t, root, "P001", time.Unix(100, 0), false, []types.Event{
		displayed(t, 101, types.ScreenConsent),
	})

	// 較新但描述檔損毀的 session：不得入選也不得讓掃描失敗
	require.NoError(t, os.MkdirAll(root+"/P002", 0755))
	require.NoError(t, os.WriteFile(
		root+"/P002/session_info_20300101_000000.json", []byte(`{"participant`), 0644))

	decision, err := NewAnalyzer(root, nil).Scan()
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, "P001", decision.ParticipantID)
}

// TestScanFallsBackWhenNoScreenEvent 測試重放不出螢幕事件時換次近的候選
func TestScanFallsBackWhenNoScreenEvent(t *testing.T) {
	root := t.TempDir()
	writeSession(t, root, "OLD", time.Unix(100, 0), false, []types.Event{
		displayed(t, 101, types.ScreenStroop),
	})
	// 最近的候選只有一筆按鍵事件，看不出中斷在哪個螢幕
	writeSession(t, root, "NEW", time.Unix(200, 0), false, []types.Event{
		evt(t, 201, types.ActionKeyPress, types.ScreenConsent, "space"),
	})

	decision, err := NewAnalyzer(root, nil).Scan()
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, "OLD", decision.ParticipantID)
	assert.Equal(t, types.ScreenStroop, decision.LastScreen)
}

// TestScanTransitionScreenEvent 測試舊格式的過場螢幕顯示事件也算數
func TestScanTransitionScreenEvent(t *testing.T) {
	root := t.TempDir()
	writeSession(t, root, "P001", time.Unix(100, 0), false, []types.Event{
		evt(t, 101, types.ActionTransitionDisplayed, types.ScreenStroopTransition, "transition displayed"),
	})

	decision, err := NewAnalyzer(root, nil).Scan()
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, types.ScreenStroopTransition, decision.LastScreen)
}

// ============================================================================
// 子狀態還原
// ============================================================================

// TestWritingTaskReconstruction 測試書寫任務的完整還原（關鍵測試）
func TestWritingTaskReconstruction(t *testing.T) {
	root := t.TempDir()
	remaining := 45.0
	writeSession(t, root, "P042", time.Unix(1000, 0), false, []types.Event{
		displayed(t, 1001, types.ScreenDescriptiveTask),
		evt(t, 1010, types.ActionResponseCompleted, types.ScreenDescriptiveTask, types.ResponseCompletedDetails{
			PromptIndex: 0, PromptText: "p0", ResponseText: "first answer", WordCount: 2,
		}),
		evt(t, 1020, types.ActionResponseCompleted, types.ScreenDescriptiveTask, types.ResponseCompletedDetails{
			PromptIndex: 1, PromptText: "p1", ResponseText: "second answer", WordCount: 2,
		}),
		evt(t, 1030, types.ActionPartialText, types.ScreenDescriptiveTask, types.PartialTextDetails{
			TextContent: "Hello wor", TextLength: 9, WordCount: 2,
			CurrentPromptIndex: 2, CountdownRemaining: &remaining,
		}),
	})

	decision, err := NewAnalyzer(root, nil).Scan()
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, types.ScreenDescriptiveTask, decision.LastScreen)

	progress := decision.Progress
	require.NotNil(t, progress)
	assert.Equal(t, 2, progress.PromptIndex)
	assert.Equal(t, "Hello wor", progress.PartialText)
	require.NotNil(t, progress.CountdownRemainingSeconds)
	assert.Equal(t, 45.0, *progress.CountdownRemainingSeconds)

	require.Len(t, progress.CompletedResponses, 2)
	assert.Equal(t, "first answer", progress.CompletedResponses[0].Text)
	assert.Equal(t, "second answer", progress.CompletedResponses[1].Text)
}

// TestPartialSupersededByCompletion 測試草稿被之後的完成事件取代
func TestPartialSupersededByCompletion(t *testing.T) {
	root := t.TempDir()
	writeSession(t, root, "P042", time.Unix(1000, 0), false, []types.Event{
		displayed(t, 1001, types.ScreenDescriptiveTask),
		evt(t, 1010, types.ActionPartialText, types.ScreenDescriptiveTask, types.PartialTextDetails{
			TextContent: "half written", CurrentPromptIndex: 0,
		}),
		evt(t, 1020, types.ActionResponseCompleted, types.ScreenDescriptiveTask, types.ResponseCompletedDetails{
			PromptIndex: 0, ResponseText: "full answer",
		}),
	})

	decision, err := NewAnalyzer(root, nil).Scan()
	require.NoError(t, err)
	require.NotNil(t, decision)
	require.NotNil(t, decision.Progress)
	assert.Equal(t, 1, decision.Progress.PromptIndex)
	assert.Empty(t, decision.Progress.PartialText, "draft completed later must not be restored")
}

// TestCountdownStateFeedsRemaining 測試 COUNTDOWN_STATE 快照提供剩餘秒數
func TestCountdownStateFeedsRemaining(t *testing.T) {
	root := t.TempDir()
	writeSession(t, root, "P042", time.Unix(1000, 0), false, []types.Event{
		displayed(t, 1001, types.ScreenDescriptiveTask),
		evt(t, 1030, types.ActionCountdownState, types.ScreenDescriptiveTask, types.CountdownStateDetails{
			RemainingSeconds: 120, TotalSeconds: 600, PercentageComplete: 80,
		}),
	})

	decision, err := NewAnalyzer(root, nil).Scan()
	require.NoError(t, err)
	require.NotNil(t, decision)
	require.NotNil(t, decision.Progress)
	require.NotNil(t, decision.Progress.CountdownRemainingSeconds)
	assert.Equal(t, 120.0, *decision.Progress.CountdownRemainingSeconds)
}

// TestNonResumableScreenHasNoProgress 測試非可恢復螢幕不還原子狀態
func TestNonResumableScreenHasNoProgress(t *testing.T) {
	root := t.TempDir()
	writeSession(t, root, "P042", time.Unix(1000, 0), false, []types.Event{
		displayed(t, 1001, types.ScreenRelaxation),
		evt(t, 1030, types.ActionCountdownState, types.ScreenRelaxation, types.CountdownStateDetails{
			RemainingSeconds: 300, TotalSeconds: 600,
		}),
	})

	decision, err := NewAnalyzer(root, nil).Scan()
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, types.ScreenRelaxation, decision.LastScreen)
	assert.Nil(t, decision.Progress, "relaxation restarts with a fresh countdown")
}

// TestResetPolicyDropsProgress 測試 reset 策略放棄子狀態
func TestResetPolicyDropsProgress(t *testing.T) {
	root := t.TempDir()
	writeSession(t, root, "P042", time.Unix(1000, 0), false, []types.Event{
		displayed(t, 1001, types.ScreenDescriptiveTask),
		evt(t, 1010, types.ActionResponseCompleted, types.ScreenDescriptiveTask, types.ResponseCompletedDetails{
			PromptIndex: 0, ResponseText: "answer",
		}),
	})

	analyzer := NewAnalyzer(root, nil)
	analyzer.SetPolicy(types.ScreenDescriptiveTask, PolicyResetProgress)

	decision, err := analyzer.Scan()
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, types.ScreenDescriptiveTask, decision.LastScreen)
	assert.Nil(t, decision.Progress)
}

// TestMalformedLinesTolerated 測試動作日誌裡的損毀行不影響還原
func TestMalformedLinesTolerated(t *testing.T) {
	root := t.TempDir()
	paths := writeSession(t, root, "P042", time.Unix(1000, 0), false, []types.Event{
		displayed(t, 1001, types.ScreenConsent),
		displayed(t, 1002, types.ScreenRelaxation),
	})

	file, err := os.OpenFile(paths.ActionsPath, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = file.WriteString("{\"timestamp\": {\"local\n")
	require.NoError(t, err)
	require.NoError(t, file.Close())

	decision, err := NewAnalyzer(root, nil).Scan()
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, types.ScreenRelaxation, decision.LastScreen)
}

// fakeReplayObserver 收集重放時回報的跳過行數
type fakeReplayObserver struct {
	skipped int
}

func (o *fakeReplayObserver) RecordSkippedLines(n int) {
	o.skipped += n
}

// TestObserverReceivesSkippedLines 測試損毀行數回報給觀測回呼
func TestObserverReceivesSkippedLines(t *testing.T) {
	root := t.TempDir()
	paths := writeSession(t, root, "P042", time.Unix(1000, 0), false, []types.Event{
		displayed(t, 1001, types.ScreenConsent),
	})

	file, err := os.OpenFile(paths.ActionsPath, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = file.WriteString("not json\n{\"broken\n")
	require.NoError(t, err)
	require.NoError(t, file.Close())

	observer := &fakeReplayObserver{}
	analyzer := NewAnalyzer(root, nil)
	analyzer.SetObserver(observer)

	decision, err := analyzer.Scan()
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, 2, observer.skipped)
}
