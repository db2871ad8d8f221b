package source

import (
	"context"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/grassroots-hq/decision-engine/internal/model"
	"github.com/grassroots-hq/decision-engine/internal/store"
)

// InternalMatch fills contact fields from records already held for other
// entities: the same person often appears once as a donor and once as a
// volunteer, with contact data on only one of the records.
type InternalMatch struct {
	store store.Store
}

func NewInternalMatch(st store.Store) *InternalMatch {
	return &InternalMatch{store: st}
}

func (m *InternalMatch) ID() string { return InternalMatchID }

// Lookup scans entities sharing the target's state for a name match.
// Names are compared after case folding and diacritic stripping; a zip
// code match is required when both records carry one, so common names
// in a large state don't cross-pollinate. Only the requested fields are
// copied from a matching sibling.
func (m *InternalMatch) Lookup(ctx context.Context, target model.Entity, fields []string) (*Result, error) {
	if target.FullName == "" || target.State == "" {
		return &Result{}, nil
	}

	candidates, err := m.store.ListEntitiesByScope(ctx, model.GradeScope{
		Type: model.ScopeState, Key: target.State,
	})
	if err != nil {
		return nil, eris.Wrap(err, "internal match: list candidates")
	}

	want := NormalizeName(target.FullName)
	result := &Result{Fields: map[string]string{}, SocialIDs: map[string]string{}}

	for _, c := range candidates {
		if c.ID == target.ID {
			continue
		}
		if NormalizeName(c.FullName) != want {
			continue
		}
		if target.ZipCode != "" && c.ZipCode != "" && target.ZipCode != c.ZipCode {
			continue
		}

		setIfWanted(result.Fields, fields, "email", c.Email)
		setIfWanted(result.Fields, fields, "phone", c.Phone)
		setIfWanted(result.Fields, fields, "address", c.Address)
		setIfWanted(result.Fields, fields, "city", c.City)
		setIfWanted(result.Fields, fields, "zip_code", c.ZipCode)
		if Wants(fields, "social") {
			for platform, id := range c.SocialIDs {
				if _, ok := result.SocialIDs[platform]; !ok && id != "" {
					result.SocialIDs[platform] = id
				}
			}
		}
	}

	return result, nil
}

func setIfWanted(out map[string]string, wanted []string, key, value string) {
	if value == "" || !Wants(wanted, key) {
		return
	}
	if _, ok := out[key]; !ok {
		out[key] = value
	}
}

var nameTransformer = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// NormalizeName folds a personal name for matching: diacritics removed,
// lowercased, interior whitespace collapsed.
func NormalizeName(name string) string {
	stripped, _, err := transform.String(nameTransformer, name)
	if err != nil {
		stripped = name
	}
	return strings.Join(strings.Fields(strings.ToLower(stripped)), " ")
}
