package jobs

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// matchStopWords filters common English words that add noise to keyword matching.
var matchStopWords = map[string]bool{
	"and": true, "the": true, "for": true, "with": true, "you": true,
	"are": true, "have": true, "will": true, "this": true, "that": true,
	"from": true, "our": true, "your": true, "their": true, "they": true,
	"work": true, "team": true, "role": true, "job": true, "join": true,
	"about": true, "which": true, "what": true, "who": true, "how": true,
	"can": true, "not": true, "but": true, "all": true, "also": true,
	"more": true, "than": true, "into": true, "has": true, "its": true,
	"senior": true, "junior": true, "lead": true, "staff": true, "principal": true,
	"remote": true, "hybrid": true, "developer": true, "engineer": true,
}

// matchTokens tokenizes text into lowercase keywords, skipping stop words.
// Keeps + # . inside words so "c++", "c#" and "node.js" survive.
func matchTokens(text string) map[string]bool {
	kw := make(map[string]bool)
	var word strings.Builder
	flush := func() {
		w := strings.TrimRight(word.String(), ".")
		word.Reset()
		if len([]rune(w)) >= 2 && !matchStopWords[w] {
			kw[w] = true
		}
	}
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '+' || r == '#' || r == '.' {
			word.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return kw
}

// FitResult is a 0-100 estimate of how well a posting matches the profile.
type FitResult struct {
	Score   int      `json:"score"`
	Reason  string   `json:"reason,omitempty"`
	Matched []string `json:"matched,omitempty"`
	Missing []string `json:"missing,omitempty"`
}

const (
	skillWeight = 70.0
	titleWeight = 30.0
)

// ScoreFit scores a posting without an LLM: skill coverage of the posting
// text carries most of the weight, and a title that matches one of the
// search keywords carries the rest. Profiles without skills get half the
// skill weight.
func ScoreFit(p *Profile, title, description string) FitResult {
	text := title + "\n" + description
	var res FitResult

	skillPart := skillWeight / 2
	if len(p.Skills) > 0 {
		for _, s := range p.Skills {
			if containsWord(text, s.Name) {
				res.Matched = append(res.Matched, s.Name)
			} else {
				res.Missing = append(res.Missing, s.Name)
			}
		}
		skillPart = skillWeight * float64(len(res.Matched)) / float64(len(p.Skills))
	}

	titlePart := 0.0
	titleKW := matchTokens(title)
	for _, kw := range p.Search.Keywords {
		want := matchTokens(kw)
		if len(want) == 0 {
			continue
		}
		hit := 0
		for w := range want {
			if titleKW[w] {
				hit++
			}
		}
		if frac := float64(hit) / float64(len(want)); frac*titleWeight > titlePart {
			titlePart = frac * titleWeight
		}
	}

	res.Score = int(math.Round(skillPart + titlePart))
	sort.Strings(res.Matched)
	sort.Strings(res.Missing)
	switch {
	case len(p.Skills) == 0:
		res.Reason = "title match only; profile lists no skills"
	case len(res.Matched) == 0:
		res.Reason = "no profile skills mentioned"
	default:
		res.Reason = "matches " + strings.Join(res.Matched, ", ")
	}
	return res
}
