package snapshot

// ============================================================================
// 職責說明：
// 1. 將內嵌儲存（queue / inflight / kv）序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 讓單機部署在重啟後保留佇列狀態
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 1

// ============================================================================
// 資料結構定義
// ============================================================================

// Member 有序集合中的一個成員
type Member struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Data 內嵌儲存的完整狀態
type Data struct {
	SchemaVer int                 `json:"schema_version"`
	Queues    map[string][]string `json:"queues"` // 佇列名稱 -> 依取出順序排列的 id
	Sets      map[string][]Member `json:"sets"`   // 集合名稱 -> 依分數排列的成員
	Values    map[string]string   `json:"values"` // kv 記錄
}

// Empty 回傳初始化完成的空狀態
func Empty() Data {
	return Data{
		SchemaVer: SchemaVersion,
		Queues:    make(map[string][]string),
		Sets:      make(map[string][]Member),
		Values:    make(map[string]string),
	}
}

// Manager 快照管理器
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write 原子性寫入快照
//
// 流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(data Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	return nil
}

// Load 載入快照
//
// 行為：
//   - 檔案不存在時回傳空狀態（首次啟動）
//   - 驗證 schema 版本
//   - 偵測損壞的快照檔案
func (m *Manager) Load() (Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Empty(), nil
		}
		return Data{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var data Data
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if data.SchemaVer != SchemaVersion {
		return Data{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}

	if data.Queues == nil {
		data.Queues = make(map[string][]string)
	}
	if data.Sets == nil {
		data.Sets = make(map[string][]Member)
	}
	if data.Values == nil {
		data.Values = make(map[string]string)
	}

	return data, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑
func (m *Manager) GetPath() string {
	return m.path
}
