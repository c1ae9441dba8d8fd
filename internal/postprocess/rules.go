package postprocess

import (
	"time"

	"github.com/dlclark/regexp2"
)

// ruleTimeout bounds a single rule on pathological input
const ruleTimeout = 2 * time.Second

// Rule is one artifact correction. Exactly one of Replacement or Evaluate
// is used; Evaluate wins when set.
type Rule struct {
	Name        string
	Pattern     *regexp2.Regexp
	Replacement string
	Evaluate    regexp2.MatchEvaluator
}

// Apply runs the rule over text
func (r Rule) Apply(text string) (string, error) {
	if r.Evaluate != nil {
		return r.Pattern.ReplaceFunc(text, r.Evaluate, -1, -1)
	}
	return r.Pattern.Replace(text, r.Replacement, -1, -1)
}

func mustRule(name, pattern, replacement string) Rule {
	re := regexp2.MustCompile(pattern, regexp2.None)
	re.MatchTimeout = ruleTimeout
	return Rule{Name: name, Pattern: re, Replacement: replacement}
}

func mustEvalRule(name, pattern string, eval regexp2.MatchEvaluator) Rule {
	re := regexp2.MustCompile(pattern, regexp2.None)
	re.MatchTimeout = ruleTimeout
	return Rule{Name: name, Pattern: re, Evaluate: eval}
}

var umlauts = map[string]string{
	"a": "ä", "o": "ö", "u": "ü",
	"A": "Ä", "O": "Ö", "U": "Ü",
}

// umlautFromGroup maps the vowel captured in group 1 to its umlaut
func umlautFromGroup(m regexp2.Match) string {
	vowel := m.GroupByNumber(1).String()
	if u, ok := umlauts[vowel]; ok {
		return u
	}
	return m.String()
}

// ArtifactRules is the ordered correction table applied before Unicode
// normalization.
var ArtifactRules = []Rule{
	// Tesseract splits ü into ii inside German words
	mustRule("umlaut-ii", `(?<=\p{Ll})ii(?=\p{Ll})`, "ü"),
	// vowel followed or preceded by a spacing diaeresis
	mustEvalRule("umlaut-diaeresis-after", `([aouAOU])¨`, umlautFromGroup),
	mustEvalRule("umlaut-diaeresis-before", `¨([aouAOU])`, umlautFromGroup),
	mustRule("umlaut-double-diaeresis", `([äöüÄÖÜ])[¨\u0308]`, "$1"),

	mustRule("paragraph-one", `(?<=§\s?)[lI|](?=\d|\s|[.,;)]|$)`, "1"),
	mustRule("paragraph-zero", `(?<=§\s?\d+)[Oo]`, "0"),
	mustRule("digit-one", `(?<=\d)[lI](?=\d)`, "1"),
	mustRule("digit-zero", `(?<=\d)[Oo](?=\d)`, "0"),
	mustRule("numbering-one", `(?m)^([ \t]*)l(?=\.\s)`, "${1}1"),

	mustRule("noise-glyphs", `[|¦¡!]{3,}`, ""),
	mustRule("control-chars", `[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`, ""),
	mustRule("sentence-space", `(?<=\p{Ll}{2})([.!?])(?=\p{Lu}\p{Ll})`, "$1 "),
	mustRule("space-runs", ` {3,}`, "  "),
	mustRule("newline-runs", `\n{4,}`, "\n\n\n"),
}

// WhitespaceRules is the final whitespace pass
var WhitespaceRules = []Rule{
	mustRule("line-endings", `\r\n?`, "\n"),
	mustRule("inline-whitespace", `[^\S\n]+`, " "),
	mustRule("line-edges", ` ?\n ?`, "\n"),
	mustRule("blank-lines", `\n{4,}`, "\n\n\n"),
}

func applyAll(rules []Rule, text string) (string, error) {
	var err error
	for _, r := range rules {
		if text, err = r.Apply(text); err != nil {
			return "", &RuleError{Rule: r.Name, Err: err}
		}
	}
	return text, nil
}

// RuleError names the rule that failed
type RuleError struct {
	Rule string
	Err  error
}

func (e *RuleError) Error() string {
	return "postprocess rule " + e.Rule + ": " + e.Err.Error()
}

func (e *RuleError) Unwrap() error { return e.Err }
