package scorer

import (
	_ "embed"
	"regexp"
	"strings"
)

//go:embed profanity.txt
var profanityList string

// obscured lists the characters commonly substituted for each letter.
var obscured = map[rune]string{
	'a': "a@4*",
	'b': "b8",
	'e': "e3*",
	'g': "g9",
	'i': "i1!|*",
	'l': "l1|",
	'o': "o0*",
	's': "s$5*",
	't': "t7+",
}

// Profanity matches words from an embedded blacklist, tolerating letter
// substitutions ("sh1t"), separators between letters ("s.h.i.t") and
// common suffixes.
type Profanity struct {
	re *regexp.Regexp
}

// NewProfanity compiles the embedded list.
func NewProfanity() *Profanity {
	return NewProfanityFromWords(strings.Split(profanityList, "\n"))
}

// NewProfanityFromWords compiles a custom list. Blank lines and lines
// starting with # are ignored.
func NewProfanityFromWords(words []string) *Profanity {
	var alts []string
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" || strings.HasPrefix(w, "#") {
			continue
		}
		alts = append(alts, obscurePattern(w))
	}
	if len(alts) == 0 {
		return &Profanity{}
	}
	expr := `(?i)(?:^|[^\p{L}\p{N}])(?:` + strings.Join(alts, "|") + `)(?:s|es|er|ers|ing|ed|y)?(?:$|[^\p{L}\p{N}])`
	return &Profanity{re: regexp.MustCompile(expr)}
}

func obscurePattern(word string) string {
	var b strings.Builder
	runes := []rune(word)
	for i, r := range runes {
		if subs, ok := obscured[r]; ok {
			b.WriteString("[" + regexp.QuoteMeta(subs) + "]")
		} else {
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
		if i < len(runes)-1 {
			b.WriteString(`[\s._-]?`)
		}
	}
	return b.String()
}

// Contains reports whether text holds a blacklisted word.
func (p *Profanity) Contains(text string) bool {
	return p.re != nil && p.re.MatchString(text)
}
