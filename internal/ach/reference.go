package ach

import (
	"strings"
	"time"
)

// FormatReferenceText expands date tokens in a reference template.
//
// Supported tokens: {YYYY}, {YY}, {MM}, {DD}. Unknown text passes through and
// is later normalized by bankfield.BuildReference.
func FormatReferenceText(template string, at time.Time) string {
	out := template
	out = strings.ReplaceAll(out, "{YYYY}", at.Format("2006"))
	out = strings.ReplaceAll(out, "{YY}", at.Format("06"))
	out = strings.ReplaceAll(out, "{MM}", at.Format("01"))
	out = strings.ReplaceAll(out, "{DD}", at.Format("02"))
	return out
}
