package scorer

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"unicode"

	"github.com/ashita-ai/mamori/internal/model"
)

// Keyword fails when any keyword occurs in the scoring text. Matching is
// case-insensitive and respects word boundaries at keyword ends that are word
// characters, so "cat" matches "cat." but not "catalog", and "!" matches any "!".
type Keyword struct {
	patterns sync.Map // keyword -> *regexp.Regexp
}

// NewKeyword creates a keyword scorer.
func NewKeyword() *Keyword {
	return &Keyword{}
}

// Score implements Scorer.
func (k *Keyword) Score(_ context.Context, req Request) (Score, error) {
	text := req.ScoringText()
	var matches []model.KeywordMatch
	seen := make(map[string]bool)
	for _, kw := range req.Keywords {
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		re, err := k.pattern(kw)
		if err != nil {
			return unavailable(err), nil
		}
		if re.MatchString(text) {
			matches = append(matches, model.KeywordMatch{Keyword: kw})
		}
	}
	if len(matches) == 0 {
		return pass(), nil
	}
	return Score{Result: model.ResultFail, Details: &model.RuleDetails{KeywordMatches: matches}}, nil
}

func (k *Keyword) pattern(kw string) (*regexp.Regexp, error) {
	if re, ok := k.patterns.Load(kw); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(KeywordPattern(kw))
	if err != nil {
		return nil, fmt.Errorf("scorer: keyword %q: %w", kw, err)
	}
	k.patterns.Store(kw, re)
	return re, nil
}

// Word-boundary guards for keyword ends. RE2's \b only knows ASCII word
// characters, so these use the Unicode letter, mark and number classes.
const (
	leadingGuard  = `(?:^|[^\p{L}\p{M}\p{N}_])`
	trailingGuard = `(?:$|[^\p{L}\p{M}\p{N}_])`
)

// KeywordPattern returns the case-insensitive pattern for a keyword. A word
// boundary is required at each end of the keyword that is a word character;
// punctuation-only keywords therefore match as plain escaped text.
func KeywordPattern(kw string) string {
	runes := []rune(kw)
	pattern := "(?i)"
	if len(runes) == 0 {
		return pattern
	}
	if isWordRune(runes[0]) {
		pattern += leadingGuard
	}
	pattern += regexp.QuoteMeta(kw)
	if isWordRune(runes[len(runes)-1]) {
		pattern += trailingGuard
	}
	return pattern
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsMark(r) || unicode.IsDigit(r)
}
