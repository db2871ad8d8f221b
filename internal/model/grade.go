package model

import (
	"fmt"
	"time"
)

// GradeScopeType identifies the kind of partition a grade is computed over.
type GradeScopeType string

const (
	ScopeState    GradeScopeType = "state"
	ScopeDistrict GradeScopeType = "district"
	ScopeCounty   GradeScopeType = "county"
)

// GradeScope is a concrete ranking partition: a scope type plus its key
// (e.g. district "TX-21", county "Travis"). Entities within one scope are
// ranked independently of every other scope.
type GradeScope struct {
	Type GradeScopeType `json:"type"`
	Key  string         `json:"key"`
}

func (s GradeScope) String() string {
	return fmt.Sprintf("%s:%s", s.Type, s.Key)
}

// GradeAssignment is one entity's grade within one scope partition.
// An entity holds at most one assignment per scope type; the three are
// computed over different partitions and never merged.
type GradeAssignment struct {
	EntityID   string     `json:"entity_id"`
	Scope      GradeScope `json:"scope"`
	Rank       int        `json:"rank"` // 1-based; 0 for ungraded (zero-metric) entities
	Percentile float64    `json:"percentile"`
	Band       string     `json:"band"`
	ComputedAt time.Time  `json:"computed_at"`
}

// ScopeStats are the aggregate statistics refreshed alongside a
// partition recompute.
type ScopeStats struct {
	Scope       GradeScope `json:"scope"`
	EntityCount int        `json:"entity_count"`
	TotalValue  float64    `json:"total_value"`
	AvgValue    float64    `json:"avg_value"`
	ComputedAt  time.Time  `json:"computed_at"`
}

// gradeBand maps a percentile lower bound to a band label.
type gradeBand struct {
	Floor float64
	Label string
}

// BandUngraded is assigned to entities with a zero metric and to lookups
// where no assignment exists in any scope.
const BandUngraded = "U"

// gradeBands is the fixed threshold table, ordered from highest floor to
// lowest. Thresholds are total-ordered and non-overlapping.
var gradeBands = []gradeBand{
	{99.9, "A++"},
	{99.0, "A+"},
	{97.0, "A"},
	{94.0, "A-"},
	{90.0, "B+"},
	{85.0, "B"},
	{80.0, "B-"},
	{70.0, "C+"},
	{60.0, "C"},
	{50.0, "C-"},
	{35.0, "D"},
	{20.0, "E"},
}

// BandForPercentile returns the grade band label for a percentile.
// Percentiles below every configured floor get the ungraded band.
func BandForPercentile(pct float64) string {
	for _, b := range gradeBands {
		if pct >= b.Floor {
			return b.Label
		}
	}
	return BandUngraded
}

// BandLabels returns the band labels from best to worst, ending with the
// ungraded band.
func BandLabels() []string {
	labels := make([]string, 0, len(gradeBands)+1)
	for _, b := range gradeBands {
		labels = append(labels, b.Label)
	}
	return append(labels, BandUngraded)
}
