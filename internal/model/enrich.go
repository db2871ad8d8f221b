package model

import "time"

// EnrichmentAttempt records the outcome of one waterfall step against one
// target.
type EnrichmentAttempt struct {
	ID           string    `json:"id"`
	TargetType   string    `json:"target_type"`
	TargetID     string    `json:"target_id"`
	Goal         string    `json:"goal"`
	StepOrder    int       `json:"step_order"`
	SourceID     string    `json:"source_id"`
	Success      bool      `json:"success"`
	FieldsFilled []string  `json:"fields_filled,omitempty"`
	ConfDelta    int       `json:"conf_delta"`
	Error        string    `json:"error,omitempty"`
	AttemptedAt  time.Time `json:"attempted_at"`
}
