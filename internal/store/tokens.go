package store

import (
	"context"
	"fmt"
	"time"
)

// TokenUsage is one model call's token accounting.
type TokenUsage struct {
	Model            string    `json:"model"`
	Role             string    `json:"role"`
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	TotalTokens      int       `json:"totalTokens"`
	EstimatedCost    float64   `json:"estimatedCost"`
	Timestamp        time.Time `json:"timestamp"`
}

// UsageTotals aggregates usage records.
type UsageTotals struct {
	PromptTokens     int64   `json:"promptTokens"`
	CompletionTokens int64   `json:"completionTokens"`
	TotalTokens      int64   `json:"totalTokens"`
	EstimatedCost    float64 `json:"estimatedCost"`
	Records          int64   `json:"records"`
}

// AppendTokenUsage inserts a usage record.
func (s *Store) AppendTokenUsage(ctx context.Context, u TokenUsage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO token_usage (model, role, prompt_tokens, completion_tokens, total_tokens, estimated_cost, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.Model, u.Role, u.PromptTokens, u.CompletionTokens, u.TotalTokens,
		u.EstimatedCost, u.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("append token usage: %w", err)
	}
	return nil
}

// TokenTotalsSince aggregates usage recorded at or after since.
// A zero since aggregates everything.
func (s *Store) TokenTotalsSince(ctx context.Context, since time.Time) (UsageTotals, error) {
	var t UsageTotals
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(prompt_tokens),0), COALESCE(SUM(completion_tokens),0),
		        COALESCE(SUM(total_tokens),0), COALESCE(SUM(estimated_cost),0), COUNT(*)
		 FROM token_usage WHERE created_at >= ?`,
		since.UnixMilli()).
		Scan(&t.PromptTokens, &t.CompletionTokens, &t.TotalTokens, &t.EstimatedCost, &t.Records)
	if err != nil {
		return t, fmt.Errorf("token totals: %w", err)
	}
	return t, nil
}
