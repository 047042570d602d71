package scorer

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/ashita-ai/mamori/internal/model"
)

const (
	contextBoost      = 0.35
	minContextScore   = 0.4
	contextWindowSize = 5
)

// Entity is one PII detection.
type Entity struct {
	Type  string
	Start int
	End   int
	Score float64
	Text  string
}

type validation int

const (
	keep validation = iota
	confirmed
	rejected
)

type piiPattern struct {
	re    *regexp.Regexp
	score float64
}

type recognizer struct {
	entity   string
	patterns []piiPattern
	validate func(match string) validation
	context  []string
}

// Analyzer detects PII entities with pattern recognizers. A recognizer's
// pattern score is raised to 1.0 by a passing checksum, and by contextBoost
// when a context word appears among the words just before the match.
type Analyzer struct {
	recognizers []recognizer
}

// NewAnalyzer creates an analyzer covering every entity in model.PIIEntities.
func NewAnalyzer() *Analyzer {
	return &Analyzer{recognizers: defaultRecognizers()}
}

// Analyze returns the entities of the requested types scoring at least
// threshold. Spans whose text equals an allow-list item (case-insensitive) are
// excluded. Overlapping detections are resolved in favour of the higher score.
func (a *Analyzer) Analyze(text string, entities []string, threshold float64, allowList []string) []Entity {
	wanted := make(map[string]bool, len(entities))
	for _, e := range entities {
		wanted[e] = true
	}
	allowed := make(map[string]bool, len(allowList))
	for _, item := range allowList {
		allowed[strings.ToLower(strings.TrimSpace(item))] = true
	}

	var found []Entity
	for _, rec := range a.recognizers {
		if !wanted[rec.entity] {
			continue
		}
		for _, p := range rec.patterns {
			for _, loc := range p.re.FindAllStringSubmatchIndex(text, -1) {
				start, end := loc[0], loc[1]
				// Patterns with a capture group report the group as the entity span.
				if len(loc) >= 4 && loc[2] >= 0 {
					start, end = loc[2], loc[3]
				}
				match := text[start:end]
				if allowed[strings.ToLower(strings.TrimSpace(match))] {
					continue
				}
				score := p.score
				if rec.validate != nil {
					switch rec.validate(match) {
					case rejected:
						continue
					case confirmed:
						score = 1.0
					}
				}
				if score < 1.0 && hasContext(text[:start], rec.context) {
					score = max(minContextScore, min(1.0, score+contextBoost))
				}
				found = append(found, Entity{Type: rec.entity, Start: start, End: end, Score: score, Text: match})
			}
		}
	}

	var out []Entity
	for _, e := range resolveOverlaps(found) {
		if e.Score >= threshold {
			out = append(out, e)
		}
	}
	return out
}

// resolveOverlaps keeps, among overlapping detections, the highest score, then
// the longest span.
func resolveOverlaps(found []Entity) []Entity {
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].Score != found[j].Score {
			return found[i].Score > found[j].Score
		}
		return found[i].End-found[i].Start > found[j].End-found[j].Start
	})
	var kept []Entity
	for _, e := range found {
		overlaps := false
		for _, k := range kept {
			if e.Start < k.End && k.Start < e.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, e)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

// hasContext reports whether any context word is among the last few words of prefix.
func hasContext(prefix string, words []string) bool {
	if len(words) == 0 {
		return false
	}
	tokens := strings.FieldsFunc(strings.ToLower(prefix), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) > contextWindowSize {
		tokens = tokens[len(tokens)-contextWindowSize:]
	}
	for _, tok := range tokens {
		for _, w := range words {
			if tok == w || strings.TrimSuffix(tok, "s") == w {
				return true
			}
		}
	}
	return false
}

func pat(expr string, score float64) piiPattern {
	return piiPattern{re: regexp.MustCompile(expr), score: score}
}

func defaultRecognizers() []recognizer {
	return []recognizer{
		{
			entity:   model.PIICreditCard,
			patterns: []piiPattern{pat(`\b(?:\d[ -]?){12,18}\d\b`, 0.3)},
			validate: validateCreditCard,
			context:  []string{"credit", "card", "visa", "mastercard", "amex", "discover", "debit", "cc"},
		},
		{
			entity: model.PIICrypto,
			patterns: []piiPattern{
				pat(`\b[13][a-km-zA-HJ-NP-Z1-9]{25,34}\b`, 0.5),
				pat(`\bbc1[ac-hj-np-z02-9]{11,71}\b`, 0.6),
			},
			validate: validateBitcoin,
			context:  []string{"wallet", "btc", "bitcoin", "crypto", "address"},
		},
		{
			entity: model.PIIDateTime,
			patterns: []piiPattern{
				pat(`\b\d{4}-\d{2}-\d{2}(?:[T ]\d{2}:\d{2}(?::\d{2})?)?\b`, 0.6),
				pat(`\b\d{1,2}/\d{1,2}/\d{2,4}\b`, 0.6),
				pat(`(?i)\b(?:jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\.? \d{1,2}(?:st|nd|rd|th)?,? \d{4}\b`, 0.85),
				pat(`(?i)\b\d{1,2}(?:st|nd|rd|th)? (?:jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?),? \d{4}\b`, 0.85),
			},
			validate: validateDate,
			context:  []string{"date", "time", "birthday", "dob", "born", "birth"},
		},
		{
			entity:   model.PIIEmailAddress,
			patterns: []piiPattern{pat(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`, 1.0)},
			context:  []string{"email", "mail", "contact"},
		},
		{
			entity:   model.PIIIBANCode,
			patterns: []piiPattern{pat(`\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,3})?\b`, 0.5)},
			validate: validateIBAN,
			context:  []string{"iban", "bank", "account", "transfer"},
		},
		{
			entity: model.PIIIPAddress,
			patterns: []piiPattern{
				pat(`\b(?:\d{1,3}\.){3}\d{1,3}\b`, 0.6),
				pat(`(?i)(?:^|[^0-9a-f:])((?:[0-9a-f]{1,4}:){7}[0-9a-f]{1,4}|(?:[0-9a-f]{1,4}:){1,7}:|(?:[0-9a-f]{1,4}:){1,6}:[0-9a-f]{1,4}|::(?:[0-9a-f]{1,4}:){0,5}[0-9a-f]{1,4})(?:$|[^0-9a-f:])`, 0.6),
			},
			validate: validateIP,
			context:  []string{"ip", "address", "server", "host", "ipv4", "ipv6"},
		},
		{
			entity:   model.PIIMedicalLicense,
			patterns: []piiPattern{pat(`\b[A-Za-z][A-Za-z9]\d{7}\b`, 0.4)},
			validate: validateDEA,
			context:  []string{"medical", "certificate", "dea", "license", "prescriber", "physician"},
		},
		{
			entity: model.PIIPhoneNumber,
			patterns: []piiPattern{
				pat(`(?:\+1[ .\-]?)?\(\d{3}\)[ .\-]?\d{3}[ .\-]\d{4}\b`, 0.6),
				pat(`\b(?:\+?1[ .\-])?\d{3}[.\-]\d{3}[.\-]\d{4}\b`, 0.6),
				pat(`\+\d{1,3}[ .\-]?\d{1,4}(?:[ .\-]?\d{2,4}){2,4}\b`, 0.7),
				pat(`\b\d{10}\b`, 0.2),
			},
			context: []string{"phone", "number", "telephone", "cell", "mobile", "call", "tel", "fax", "text"},
		},
		{
			entity: model.PIIURL,
			patterns: []piiPattern{
				pat(`(?i)\b(?:https?://|www\.)[^\s<>"'()]+[^\s<>"'().,;:!?]`, 0.6),
				pat(`(?i)(?:^|[^@\w.\-])([a-z0-9][a-z0-9\-]*(?:\.[a-z0-9\-]+)*\.(?:com|org|net|io|gov|edu|co|ai|dev|info|biz|us|uk)\b(?:/[^\s<>"']*)?)`, 0.5),
			},
			context: []string{"url", "website", "link", "site", "web"},
		},
		{
			entity:   model.PIIUSBankNumber,
			patterns: []piiPattern{pat(`\b\d{8,17}\b`, 0.15)},
			context:  []string{"bank", "account", "acct", "checking", "savings", "routing"},
		},
		{
			entity: model.PIIUSDriver,
			patterns: []piiPattern{
				pat(`\b[A-Z]\d{7,12}\b`, 0.3),
				pat(`\b[A-Z]{2}\d{6}[A-Z]?\b`, 0.3),
			},
			context: []string{"driver", "license", "licence", "dl", "permit"},
		},
		{
			entity: model.PIIUSITIN,
			patterns: []piiPattern{
				pat(`\b9\d{2}[- ](?:5\d|6[0-5]|7\d|8[0-8]|9[0-24-9])[- ]\d{4}\b`, 0.5),
				pat(`\b9\d{2}(?:5\d|6[0-5]|7\d|8[0-8]|9[0-24-9])\d{4}\b`, 0.3),
			},
			context: []string{"itin", "taxpayer", "tax", "individual"},
		},
		{
			entity:   model.PIIUSPassport,
			patterns: []piiPattern{pat(`\b[A-Z]?\d{9}\b`, 0.15)},
			context:  []string{"passport", "travel", "document"},
		},
		{
			entity: model.PIIUSSSN,
			patterns: []piiPattern{
				pat(`\b\d{3}-\d{2}-\d{4}\b`, 0.5),
				pat(`\b\d{3} \d{2} \d{4}\b`, 0.5),
				pat(`\b\d{9}\b`, 0.05),
			},
			validate: validateSSN,
			context:  []string{"ssn", "social", "security"},
		},
	}
}
