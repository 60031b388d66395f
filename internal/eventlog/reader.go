package eventlog

// ============================================================================
// 動作日誌重放
// 職責：讀取整份日誌、跳過損毀的行、依 unix 時間排序後回傳
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/ChuLiYu/moly-session/pkg/types"
)

// 單行上限。草稿快照可能帶整段文字，給得比預設寬鬆許多。
const maxLineBytes = 4 * 1024 * 1024

// ReadAll 讀取一份動作日誌的全部事件
//
// 行為：
// - 逐行解析，格式錯誤或不完整的行跳過並計數，不中斷
// - 依 timestamp.unix 升冪排序後回傳（寫入端時間戳可能輕微亂序）
//
// 回傳：
//
//	事件序列、被跳過的行數、錯誤（只有檔案本身無法讀取時才非 nil）
func ReadAll(path string) ([]types.Event, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()

	var events []types.Event
	skipped := 0

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var event types.Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			skipped++
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		// 掃描中途失敗：已解析的事件照樣回傳，殘餘部分視為損毀
		skipped++
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Unix < events[j].Timestamp.Unix
	})

	return events, skipped, nil
}
