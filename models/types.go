package models

import "time"

// DetectionResult is the outcome of one inference pass.
type DetectionResult struct {
	IsHandstand bool    `json:"is_handstand"`
	Probability float64 `json:"probability"`
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	ModelLoad   time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Total       time.Duration
}

// HistoryRecord is one persisted session: the accumulated handstand time
// and when the session ended.
type HistoryRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Duration  float64   `json:"duration"`
	Date      time.Time `json:"date"`
	CreatedAt time.Time `json:"created_at"`
}

type HistoryPage struct {
	Records []HistoryRecord `json:"data"`
	Total   int             `json:"total"`
	HasMore bool            `json:"has_more"`
}

type HistorySummary struct {
	Sessions     int        `json:"sessions"`
	TotalSeconds float64    `json:"total_seconds"`
	Longest      float64    `json:"longest"`
	Mean         float64    `json:"mean"`
	LastSession  *time.Time `json:"last_session,omitempty"`
}
