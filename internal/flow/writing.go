// ============================================================================
// 書寫任務子狀態
// 職責：維護書寫任務的題目進度、草稿與已完成回應，並把每一步落到
// 動作日誌（RESPONSE_COMPLETED / PARTIAL_TEXT_UPDATE / SENTENCE_COMPLETED）
// 與回應日誌，讓崩潰恢復能把受試者帶回中斷當下的那一題、那一段草稿。
// ============================================================================

package flow

import (
	"github.com/ChuLiYu/moly-session/internal/countdown"
	"github.com/ChuLiYu/moly-session/internal/session"
	"github.com/ChuLiYu/moly-session/pkg/types"
)

// CurrentPrompt 回傳現行題目文字；題目已出完時回傳空字串與 false
func (c *Controller) CurrentPrompt() (string, bool) {
	var prompt string
	var ok bool
	c.do(func() {
		if c.promptIndex < len(c.cfg.Prompts) {
			prompt = c.cfg.Prompts[c.promptIndex]
			ok = true
		}
	})
	return prompt, ok
}

// WritingState 回傳書寫任務目前的進度（恢復與測試用）
func (c *Controller) WritingState() (promptIndex int, partialText string, completed []types.CompletedResponse) {
	c.do(func() {
		promptIndex = c.promptIndex
		partialText = c.partialText
		completed = append(completed, c.completed...)
	})
	return promptIndex, partialText, completed
}

// RecordPartialText 落盤一筆草稿快照
//
// 呼叫時機由 UI 決定（原設計為打字暫停時觸發）。快照附帶現行題目索引
// 與剩餘倒數秒數，恢復時據此還原「寫到一半」的狀態。
func (c *Controller) RecordPartialText(text string) {
	c.do(func() {
		if c.current != types.ScreenDescriptiveTask {
			return
		}
		c.partialText = text

		details := types.PartialTextDetails{
			TextContent:        text,
			TextLength:         len(text),
			WordCount:          session.WordCount(text),
			CurrentPromptIndex: c.promptIndex,
		}
		if c.engine.State() == countdown.Running && c.engine.Screen() == c.current {
			v := c.engine.Remaining().Seconds()
			details.CountdownRemaining = &v
		}
		if ledger := c.currentLedger(); ledger != nil {
			ledger.Append(types.ActionPartialText, details, c.current)
		}
	})
}

// CompleteResponse 完成現行題目
//
// 行為: 追加 RESPONSE_COMPLETED（事件內索引 0 起算）、寫入回應日誌
// （磁碟上索引 1 起算）、清空草稿、前進到下一題。設定開啟逐句記錄時
// 另追加一筆 SENTENCE_COMPLETED。
func (c *Controller) CompleteResponse(responseText string) {
	c.do(func() {
		if c.current != types.ScreenDescriptiveTask {
			return
		}
		idx := c.promptIndex
		promptText := ""
		if idx < len(c.cfg.Prompts) {
			promptText = c.cfg.Prompts[idx]
		}
		wordCount := session.WordCount(responseText)

		if ledger := c.currentLedger(); ledger != nil {
			ledger.Append(types.ActionResponseCompleted, types.ResponseCompletedDetails{
				PromptIndex:    idx,
				PromptText:     promptText,
				ResponseText:   responseText,
				WordCount:      wordCount,
				CharacterCount: len(responseText),
			}, c.current)
			if c.cfg.Snapshot.DescriptiveLineLogging {
				ledger.Append(types.ActionSentenceCompleted, types.SentenceCompletedDetails{
					Sentence:       responseText,
					WordCount:      wordCount,
					CharacterCount: len(responseText),
				}, c.current)
			}
		}
		if c.responses != nil {
			c.responses.Append(idx, promptText, responseText)
		}

		c.completed = append(c.completed, types.CompletedResponse{
			PromptIndex: idx,
			Text:        responseText,
			WordCount:   wordCount,
		})
		c.promptIndex = idx + 1
		c.partialText = ""

		c.logger.Info("Writing response completed",
			"prompt_index", idx,
			"word_count", wordCount)
	})
}
