package resolver

import (
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"
)

// matchThreshold is the minimum fuzzy score a candidate must reach. The
// library rewards word-boundary and adjacent-run matches and penalizes
// scattered mid-word ones, so anything below zero is a guess, not a match.
const matchThreshold = 0

// person is one candidate from the people database.
type person struct {
	ID   string
	Name string
}

// peopleSource adapts []person for the fuzzy library, matching against
// the case-folded display name.
type peopleSource []person

func (s peopleSource) String(i int) string {
	return foldName(s[i].Name)
}

func (s peopleSource) Len() int {
	return len(s)
}

// matchPerson finds the best person for a label. An exact case-folded
// match wins outright; otherwise candidates are ranked by fuzzy score.
// A score tie between different pages or a best score below the threshold
// yields no match rather than a guess.
func matchPerson(label string, people []person) (string, bool) {
	needle := foldName(label)
	if needle == "" || len(people) == 0 {
		return "", false
	}

	exact := -1
	for i, p := range people {
		if foldName(p.Name) == needle {
			if exact >= 0 && people[exact].ID != p.ID {
				return "", false
			}
			exact = i
		}
	}
	if exact >= 0 {
		return people[exact].ID, true
	}

	matches := fuzzy.FindFrom(needle, peopleSource(people))
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) == 0 || matches[0].Score < matchThreshold {
		return "", false
	}
	if len(matches) > 1 && matches[1].Score == matches[0].Score &&
		people[matches[1].Index].ID != people[matches[0].Index].ID {
		return "", false
	}
	return people[matches[0].Index].ID, true
}

// foldName lowercases and collapses internal whitespace for matching.
func foldName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
