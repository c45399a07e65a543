package entities

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

var lineEndingReplacer = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// normalizeLineEndings rewrites CR-LF and lone CR line endings to LF.
func normalizeLineEndings(value string) string {
	return lineEndingReplacer.Replace(value)
}

// cleanText trims a single-line display value and folds it to NFC.
func cleanText(value string) string {
	return norm.NFC.String(strings.TrimSpace(value))
}

// cleanMultiline keeps interior whitespace but unifies line endings and folds to NFC.
// Blank input collapses to the empty string.
func cleanMultiline(value string) string {
	normalized := normalizeLineEndings(value)
	if strings.TrimSpace(normalized) == "" {
		return ""
	}
	return norm.NFC.String(normalized)
}
