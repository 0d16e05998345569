// Package types 定義了 calc-pi-dist 系統中使用的核心領域模型
package types

import "encoding/json"

// JobID 任務唯一識別碼（對呼叫方不透明）
type JobID string

// Payload 任務載荷或結果，系統核心不解讀其內容
type Payload map[string]interface{}

// LeasedJob 代表一個已租用的任務
type LeasedJob struct {
	ID           JobID   `json:"job_id"`
	Payload      Payload `json:"payload"`
	LeaseSeconds int     `json:"lease_sec"`
}

// QueueState 佇列瞬時統計
type QueueState struct {
	QueueLength   int64 `json:"queue_length"`
	InflightCount int64 `json:"inflight_count"`
}

// JobEntry 列表中的單一任務
type JobEntry struct {
	ID      JobID   `json:"job_id"`
	Payload Payload `json:"payload"`
}

// JobListing 佇列與執行中任務的明細
type JobListing struct {
	Queued   []JobEntry `json:"queue_jobs"`
	Inflight []JobEntry `json:"inflight_jobs"`
}

// EventType 事件種類
type EventType string

const (
	EventQueueChanged EventType = "queue_changed" // 佇列長度變化
	EventJobUpdate    EventType = "job_update"    // 任務明細變化
	EventResultPosted EventType = "result_posted" // 結果（或失敗）已寫入
	EventJobsRequeued EventType = "jobs_requeued" // 過期租約已回收
	EventQueueCleared EventType = "queue_cleared" // 管理員清空佇列
)

// Event 生命週期事件，於狀態變更完成後發送
type Event struct {
	Type EventType `json:"type"`

	// queue_changed
	QueueLength   int64 `json:"queue_length"`
	InflightCount int64 `json:"inflight_count"`

	// job_update / jobs_requeued
	QueuedJobs   []JobEntry `json:"queue_jobs"`
	InflightJobs []JobEntry `json:"inflight_jobs"`
	Requeued     []JobID    `json:"requeued"`

	// result_posted
	JobID     JobID   `json:"job_id"`
	Result    Payload `json:"result"`
	Timestamp int64   `json:"timestamp"`
}

// StateEvent 由 QueueState 建立 queue_changed 事件
func StateEvent(s QueueState) Event {
	return Event{
		Type:          EventQueueChanged,
		QueueLength:   s.QueueLength,
		InflightCount: s.InflightCount,
	}
}

// ListingEvent 由 JobListing 建立 job_update 或 jobs_requeued 事件
func ListingEvent(t EventType, l JobListing) Event {
	return Event{
		Type:         t,
		QueuedJobs:   l.Queued,
		InflightJobs: l.Inflight,
	}
}

// MarshalJSON 只輸出該事件種類使用的欄位，數值為零時仍保留
func (e Event) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{"type": e.Type}
	switch e.Type {
	case EventQueueChanged:
		m["queue_length"] = e.QueueLength
		m["inflight_count"] = e.InflightCount
	case EventJobUpdate, EventJobsRequeued:
		m["queue_jobs"] = entriesOrEmpty(e.QueuedJobs)
		m["inflight_jobs"] = entriesOrEmpty(e.InflightJobs)
		if len(e.Requeued) > 0 {
			m["requeued"] = e.Requeued
		}
	case EventResultPosted:
		m["job_id"] = e.JobID
		m["result"] = e.Result
		m["timestamp"] = e.Timestamp
	}
	return json.Marshal(m)
}

func entriesOrEmpty(entries []JobEntry) []JobEntry {
	if entries == nil {
		return []JobEntry{}
	}
	return entries
}
