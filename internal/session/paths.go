package session

// ============================================================================
// Session 目錄與檔名規約
// 一個受試者一個目錄；檔名帶 session 開始時間戳後綴，讓同一受試者的多次
// 歷史 session 可以並存：
//
//	<root>/<participant_id>/session_info_<ts>.json
//	<root>/<participant_id>/actions_<ts>.jsonl
//	<root>/<participant_id>/descriptive_responses_<ts>.jsonl
// ============================================================================

import (
	"path/filepath"
	"strings"
	"time"
)

// 檔名時間戳格式（session 開始時間）
const stampLayout = "20060102_150405"

// 檔名前綴
const (
	descriptorPrefix = "session_info_"
	actionsPrefix    = "actions_"
	responsesPrefix  = "descriptive_responses_"
)

// Paths 單一 session 的所有檔案路徑
type Paths struct {
	Dir            string // session 目錄（<root>/<participant_id>）
	DescriptorPath string
	ActionsPath    string
	ResponsesPath  string
	Stamp          string // 檔名中的時間戳後綴
}

// NewPaths 以 session 開始時間計算一組新 session 的路徑
func NewPaths(root, participantID string, start time.Time) Paths {
	return pathsWithStamp(filepath.Join(root, participantID), start.Format(stampLayout))
}

// PathsFromDescriptor 由既有描述檔路徑還原整組路徑（恢復時重用舊檔案）
func PathsFromDescriptor(descriptorPath string) Paths {
	dir := filepath.Dir(descriptorPath)
	base := filepath.Base(descriptorPath)
	stamp := strings.TrimSuffix(strings.TrimPrefix(base, descriptorPrefix), ".json")
	return pathsWithStamp(dir, stamp)
}

func pathsWithStamp(dir, stamp string) Paths {
	return Paths{
		Dir:            dir,
		DescriptorPath: filepath.Join(dir, descriptorPrefix+stamp+".json"),
		ActionsPath:    filepath.Join(dir, actionsPrefix+stamp+".jsonl"),
		ResponsesPath:  filepath.Join(dir, responsesPrefix+stamp+".jsonl"),
		Stamp:          stamp,
	}
}

// FileStructureOf 回傳寫入描述檔的檔名清單（不含路徑）
func (p Paths) FileStructureOf() (sessionInfo, actions, responses string) {
	return filepath.Base(p.DescriptorPath), filepath.Base(p.ActionsPath), filepath.Base(p.ResponsesPath)
}
