package model

import "time"

// RefreshTask asks the refresh workers to bring every tracker of EventID up to date.
type RefreshTask struct {
	EventID    string
	Reason     string
	EnqueuedAt time.Time
}
