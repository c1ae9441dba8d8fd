package pipeline

import (
	"strings"
	"unicode/utf8"

	"github.com/adverant/nexus/ocr-worker/internal/recognizer"
)

// minRetryLengthRatio guards against a retry that is more confident only
// because it recognized less
const minRetryLengthRatio = 0.8

// TextLength counts runes of the trimmed text
func TextLength(text string) int {
	return utf8.RuneCountInString(strings.TrimSpace(text))
}

// ShouldRetry reports whether a first pass landed in the retry band
// [minConfidence, retryThreshold)
func ShouldRetry(first recognizer.Result, minConfidence, retryThreshold float64) bool {
	return TextLength(first.Text) > 0 &&
		first.Confidence >= minConfidence &&
		first.Confidence < retryThreshold
}

// AcceptRetry reports whether the retry result replaces the first pass
func AcceptRetry(first, retry recognizer.Result) bool {
	return retry.Confidence > first.Confidence &&
		float64(TextLength(retry.Text)) >= minRetryLengthRatio*float64(TextLength(first.Text))
}

// IsAccepted reports whether a result contributes text to the document
func IsAccepted(r recognizer.Result, minConfidence float64) bool {
	return TextLength(r.Text) > 0 && r.Confidence >= minConfidence
}
