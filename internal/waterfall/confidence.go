package waterfall

import "github.com/grassroots-hq/decision-engine/internal/model"

// Field confidence weights. A fully contactable record with at least one
// social identity saturates at the cap.
const (
	weightEmail    = 30
	weightPhone    = 20
	weightFullName = 15
	weightAddress  = 10
	weightSocialID = 25

	confidenceCap = 100
)

// Confidence scores how contactable an entity record is, 0-100. Each
// populated field contributes its weight; every distinct social identity
// adds its own increment.
func Confidence(e model.Entity) float64 {
	score := 0
	if e.Email != "" {
		score += weightEmail
	}
	if e.Phone != "" {
		score += weightPhone
	}
	if e.FullName != "" {
		score += weightFullName
	}
	if e.Address != "" {
		score += weightAddress
	}
	for _, id := range e.SocialIDs {
		if id != "" {
			score += weightSocialID
		}
	}
	if score > confidenceCap {
		score = confidenceCap
	}
	return float64(score)
}
