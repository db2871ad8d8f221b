package waterfall

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/grassroots-hq/decision-engine/internal/model"
)

func TestConfidence(t *testing.T) {
	cases := []struct {
		name   string
		entity model.Entity
		want   float64
	}{
		{"empty record", model.Entity{}, 0},
		{"email only", model.Entity{Email: "a@b.c"}, 30},
		{"email and phone and name", model.Entity{
			Email: "a@b.c", Phone: "555", FullName: "Ada Garcia",
		}, 65},
		{"full contact plus one social", model.Entity{
			Email: "a@b.c", Phone: "555", FullName: "Ada Garcia",
			Address:   "1 Main St",
			SocialIDs: map[string]string{"twitter": "@ada"},
		}, 100},
		{"saturates at the cap", model.Entity{
			Email: "a@b.c", Phone: "555", FullName: "Ada Garcia",
			Address: "1 Main St",
			SocialIDs: map[string]string{
				"twitter": "@ada", "instagram": "ada", "tiktok": "ada",
			},
		}, 100},
		{"empty social ids do not count", model.Entity{
			SocialIDs: map[string]string{"twitter": ""},
		}, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Confidence(tc.entity))
		})
	}
}
