package session

// ============================================================================
// 職責說明：
// 1. 建立 session 描述檔（身份欄位自此不可變）
// 2. finalize 時補上結束時間與總時長——唯一的變更點，且必須冪等
// 3. 使用原子性寫入（temp file + rename）防止描述檔半寫損壞
// 4. IsComplete 判斷（session_end_time 是否存在）是唯一的完成訊號
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ChuLiYu/moly-session/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedDescriptor = errors.New("session: descriptor file is corrupted")
	ErrDescriptorNotFound  = errors.New("session: descriptor file not found")
)

// 寫入描述檔的應用版本號
const applicationVersion = "1.0"

// Create 建立新 session 的描述檔
//
// 行為：
// - 建立 session 目錄（含受試者子目錄）
// - 寫入含設定快照與檔案結構的初始描述檔
// - 結束欄位留空；它們只會在 Finalize 時出現
//
// 回傳：
//
//	描述檔內容、錯誤（如果有）
func Create(paths Paths, participantID string, snapshot types.ConfigSnapshot, start time.Time) (*types.SessionDescriptor, error) {
	if err := os.MkdirAll(paths.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}

	info, actions, responses := paths.FileStructureOf()
	descriptor := &types.SessionDescriptor{
		ParticipantID:      participantID,
		SessionStartTime:   types.NewSessionTime(start),
		ApplicationVersion: applicationVersion,
		Configuration:      snapshot,
		FileStructure: types.FileStructure{
			SessionInfo:          info,
			ActionsLog:           actions,
			DescriptiveResponses: responses,
		},
	}

	if err := writeDescriptor(paths.DescriptorPath, descriptor); err != nil {
		return nil, err
	}
	return descriptor, nil
}

// Load 載入 session 描述檔
//
// 行為：
// - 檔案不存在回傳 ErrDescriptorNotFound
// - JSON 無法解析回傳 ErrCorruptedDescriptor（包裝原始錯誤）
func Load(path string) (*types.SessionDescriptor, error) {
	jsonBytes, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrDescriptorNotFound
		}
		return nil, fmt.Errorf("failed to read descriptor: %w", err)
	}

	var descriptor types.SessionDescriptor
	if err := json.Unmarshal(jsonBytes, &descriptor); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedDescriptor, err)
	}
	return &descriptor, nil
}

// Finalize 為 session 補上結束時間與總時長
//
// 這是描述檔唯一的變更點，而且必須冪等：第二次呼叫直接沿用第一次寫入的
// 結束時間，不重複、不破壞檔案。
//
// 參數：
//
//	path - 描述檔路徑
//	now  - 結束時間
//
// 回傳：
//
//	最終的描述檔內容、錯誤（如果有）
func Finalize(path string, now time.Time) (*types.SessionDescriptor, error) {
	descriptor, err := Load(path)
	if err != nil {
		return nil, err
	}

	if descriptor.IsComplete() {
		return descriptor, nil
	}

	end := types.NewSessionTime(now)
	durationSeconds := end.UnixTimestamp - descriptor.SessionStartTime.UnixTimestamp
	if durationSeconds < 0 {
		durationSeconds = 0
	}
	durationMinutes := durationSeconds / 60

	descriptor.SessionEndTime = &end
	descriptor.SessionDurationSeconds = &durationSeconds
	descriptor.SessionDurationMinutes = &durationMinutes

	if err := writeDescriptor(path, descriptor); err != nil {
		return nil, err
	}
	return descriptor, nil
}

// writeDescriptor 原子性寫入描述檔
//
// 流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func writeDescriptor(path string, descriptor *types.SessionDescriptor) error {
	jsonBytes, err := json.MarshalIndent(descriptor, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal descriptor: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp descriptor: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename descriptor: %w", err)
	}
	return nil
}
