/**
 * OCR text postprocessing
 *
 * Rule-based artifact correction, Unicode normalization, whitespace cleanup
 * and keyword-based language detection. Pure functions, no I/O.
 */

package postprocess

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// maxPasses bounds the fixed-point iteration
const maxPasses = 8

// Result is the cleaned text and its detected language
type Result struct {
	Text     string
	Language Language
}

var zeroWidth = runes.In(&unicode.RangeTable{
	LatinOffset: 1,
	R16: []unicode.Range16{
		{Lo: 0x00AD, Hi: 0x00AD, Stride: 1}, // soft hyphen
		{Lo: 0x200B, Hi: 0x200D, Stride: 1},
		{Lo: 0x2060, Hi: 0x2060, Stride: 1},
		{Lo: 0xFEFF, Hi: 0xFEFF, Stride: 1},
	},
})

var fullWidthAlnum = runes.In(&unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0xFF10, Hi: 0xFF19, Stride: 1},
		{Lo: 0xFF21, Hi: 0xFF3A, Stride: 1},
		{Lo: 0xFF41, Hi: 0xFF5A, Stride: 1},
	},
})

// foldPunctuation maps typographic quotes and dashes to ASCII
func foldPunctuation(r rune) rune {
	switch r {
	case '‘', '’', '‚', '‛', '′', '`', '´':
		return '\''
	case '“', '”', '„', '‟', '″':
		return '"'
	case '‐', '‑', '‒', '–', '—', '―', '−':
		return '-'
	}
	return r
}

// normalize runs NFC, punctuation folding, zero-width removal and
// full-width folding
func normalize(text string) (string, error) {
	t := transform.Chain(
		norm.NFC,
		runes.Map(foldPunctuation),
		runes.Remove(zeroWidth),
		runes.If(fullWidthAlnum, width.Fold, nil),
	)
	out, _, err := transform.String(t, text)
	return out, err
}

func pass(text string) (string, error) {
	text, err := applyAll(ArtifactRules, text)
	if err != nil {
		return "", err
	}
	if text, err = normalize(text); err != nil {
		return "", err
	}
	if text, err = applyAll(WhitespaceRules, text); err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// Clean applies every correction until the text stops changing
func Clean(text string) (string, error) {
	for i := 0; i < maxPasses; i++ {
		next, err := pass(text)
		if err != nil {
			return "", err
		}
		if next == text {
			break
		}
		text = next
	}
	return text, nil
}

// Process cleans recognizer output and detects its language
func Process(text string) (Result, error) {
	cleaned, err := Clean(text)
	if err != nil {
		return Result{}, err
	}
	return Result{Text: cleaned, Language: DetectLanguage(cleaned)}, nil
}
