package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source names the mechanism that produced a turn's answer.
type Source string

const (
	SourceModel    Source = "ModelGenerated"
	SourceWeb      Source = "WebSearch"
	SourceDocument Source = "DocumentSummary"
)

func (s Source) Valid() bool {
	switch s {
	case SourceModel, SourceWeb, SourceDocument:
		return true
	}
	return false
}

type User struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	GroupName *string   `json:"group_name"` // nil until first classified
	CreatedAt time.Time `json:"created_at"`
}

// Turn is one persisted question/answer exchange.
type Turn struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"chat_id"`
	Prompt    string    `json:"user_prompt"`
	Response  string    `json:"response"`
	Source    Source    `json:"source"`
	Category  string    `json:"category,omitempty"`
	Complete  bool      `json:"complete"` // false when the caller left mid-stream
	CreatedAt time.Time `json:"created_at"`
}

type Price struct {
	PriceID         string          `json:"price_id"`
	MessageID       string          `json:"message_id"`
	CompletionPrice decimal.Decimal `json:"completion_price"`
	CreatedAt       time.Time       `json:"created_at"`
}

type Feedback struct {
	FeedbackID string    `json:"feedback_id"`
	MessageID  string    `json:"message_id"`
	UserID     string    `json:"user_id"`
	Rating     int       `json:"rating"`
	Comment    *string   `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
