// Package claims splits a free-form LLM response into atomic claims for
// hallucination scoring.
package claims

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
)

var (
	// listIndicator matches bullet and numbered list prefixes.
	listIndicator = regexp.MustCompile(`^\s*(?:[-*+•]|\d+[.)])\s+`)

	// dottedAbbrev matches letter-dot runs such as U.S. or e.g., and single
	// initials such as the J. in J. Smith.
	dottedAbbrev = regexp.MustCompile(`\b(?:[A-Za-z]\.)+`)

	// knownAbbrev matches common abbreviations that end in a single dot.
	knownAbbrev = regexp.MustCompile(`\b(?i:Mr|Mrs|Ms|Dr|Prof|Sr|Jr|St|vs|etc|approx|Inc|Ltd|Corp|Co|No|Fig|Vol|Dept|Est|Jan|Feb|Mar|Apr|Jun|Jul|Aug|Sep|Sept|Oct|Nov|Dec)\.`)
)

// Parser turns responses into claims. It is safe for concurrent use.
type Parser struct {
	tokenizer *sentences.DefaultSentenceTokenizer
}

// NewParser loads the English sentence model.
func NewParser() (*Parser, error) {
	tok, err := english.NewSentenceTokenizer(nil)
	if err != nil {
		return nil, fmt.Errorf("claims: load sentence tokenizer: %w", err)
	}
	return &Parser{tokenizer: tok}, nil
}

// Parse returns the deduplicated claims of text in order of first occurrence.
// Markdown is stripped with list items kept one per line; list items are
// claims on their own and other lines are split into sentences.
func (p *Parser) Parse(text string) []string {
	plain := UndotAbbreviations(StripMarkdown(text))

	var out []string
	seen := make(map[string]bool)
	add := func(c string) {
		c = strings.Join(strings.Fields(c), " ")
		if c == "" || seen[c] {
			return
		}
		seen[c] = true
		out = append(out, c)
	}

	for _, line := range strings.Split(plain, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if loc := listIndicator.FindStringIndex(line); loc != nil {
			add(line[loc[1]:])
			continue
		}
		for _, s := range p.tokenizer.Tokenize(line) {
			add(s.Text)
		}
	}
	return out
}

// UndotAbbreviations removes the dots from abbreviations so they do not end
// sentences: "e.g." becomes "eg" and "Dr." becomes "Dr".
func UndotAbbreviations(text string) string {
	text = dottedAbbrev.ReplaceAllStringFunc(text, func(m string) string {
		return strings.ReplaceAll(m, ".", "")
	})
	return knownAbbrev.ReplaceAllStringFunc(text, func(m string) string {
		return strings.TrimSuffix(m, ".")
	})
}
