package funnels

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Humanize turns a machine step key into a display name: underscores become spaces and
// every word gets an upper-case first letter. The rest of each word is left untouched.
func Humanize(key string) string {
	spaced := strings.ReplaceAll(key, "_", " ")
	// Casers are stateful, so one is built per call.
	return cases.Title(language.Und, cases.NoLower).String(spaced)
}

// StepDisplayName picks the name shown for a step: the explicit name when given, the
// humanized key otherwise, and a positional fallback when both are empty.
func StepDisplayName(name, key string, stepNumber int) string {
	if name != "" {
		return name
	}
	if key != "" {
		return Humanize(key)
	}
	return fmt.Sprintf("Step %d", stepNumber+1)
}
