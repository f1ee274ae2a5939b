package envelope

import "time"

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities: low < medium < high < urgent.
// Unknown priorities rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	default:
		return 0
	}
}

// Notification is the record produced elsewhere in the system and consumed
// read-only by the delivery core.
type Notification struct {
	Id         string         `json:"id"`
	Type       string         `json:"type"`
	Priority   Priority       `json:"priority"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
	ActionUrl  string         `json:"action_url,omitempty"`
	IsRead     bool           `json:"is_read"`
	CreateTime time.Time      `json:"created_at"`
	ExpireTime *time.Time     `json:"expires_at,omitempty"`
}
