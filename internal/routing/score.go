package routing

import (
	"regexp"
	"strings"
)

// largeChangeKeywords mark issues that usually touch many files.
var largeChangeKeywords = []string{
	"refactor",
	"migration",
	"redesign",
	"overhaul",
	"rewrite",
	"rearchitect",
}

// filePathRe matches dir/.../name.ext references.
var filePathRe = regexp.MustCompile(`(?:\w+/)+\w+\.\w+`)

const maxFileReferences = 5

// Score derives a complexity tier from issue text and labels.
// A size label always wins; otherwise the description length sets a base
// tier, then a keyword bump and a file-reference bump apply in that order.
func Score(title, description string, labels []string) ComplexityScore {
	for _, l := range labels {
		if c, ok := ParseComplexity(l); ok {
			return c
		}
	}

	var score ComplexityScore
	switch n := len(description); {
	case n < 200:
		score = ComplexityS
	case n < 800:
		score = ComplexityM
	case n < 2000:
		score = ComplexityL
	default:
		score = ComplexityXL
	}

	text := title + "\n" + description
	lower := strings.ToLower(text)
	for _, kw := range largeChangeKeywords {
		if strings.Contains(lower, kw) {
			score = score.Bump()
			break
		}
	}

	if len(filePathRe.FindAllStringIndex(text, maxFileReferences+1)) > maxFileReferences {
		score = score.Bump()
	}
	return score
}
