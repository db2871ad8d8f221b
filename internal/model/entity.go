package model

import "time"

// EntityType distinguishes the kinds of gradeable records.
type EntityType string

const (
	EntityDonor     EntityType = "donor"
	EntityVolunteer EntityType = "volunteer"
)

// Entity is a gradeable record: a donor or volunteer with an engagement
// metric and zero or more geographic scope tags.
type Entity struct {
	ID       string     `json:"id"`
	Type     EntityType `json:"type"`
	FullName string     `json:"full_name,omitempty"`

	// Contact fields populated by the enrichment waterfall.
	Email     string            `json:"email,omitempty"`
	Phone     string            `json:"phone,omitempty"`
	Address   string            `json:"address,omitempty"`
	City      string            `json:"city,omitempty"`
	ZipCode   string            `json:"zip_code,omitempty"`
	SocialIDs map[string]string `json:"social_ids,omitempty"` // platform -> handle

	// Scope tags. Empty means the entity is not tagged for that scope.
	State    string `json:"state,omitempty"`
	District string `json:"district,omitempty"`
	County   string `json:"county,omitempty"`

	// Metric is the ranking metric (lifetime giving for donors, engagement
	// hours for volunteers). Zero means ungraded.
	Metric float64 `json:"metric"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScopeTag returns the entity's tag value for the given scope type,
// or "" if the entity is not tagged for it.
func (e Entity) ScopeTag(t GradeScopeType) string {
	switch t {
	case ScopeState:
		return e.State
	case ScopeDistrict:
		return e.District
	case ScopeCounty:
		return e.County
	}
	return ""
}
