package routing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScoreLabelWins(t *testing.T) {
	long := strings.Repeat("refactor src/a/b.go ", 400)
	cases := map[string]ComplexityScore{
		"s":  ComplexityS,
		"M":  ComplexityM,
		"l":  ComplexityL,
		"Xl": ComplexityXL,
	}
	for label, want := range cases {
		assert.Equal(t, want, Score("Rewrite everything", long, []string{"backend", label}), label)
	}
}

func TestScoreLengthBoundaries(t *testing.T) {
	assert.Equal(t, ComplexityS, Score("", strings.Repeat("x", 199), nil))
	assert.Equal(t, ComplexityM, Score("", strings.Repeat("x", 200), nil))
	assert.Equal(t, ComplexityM, Score("", strings.Repeat("x", 799), nil))
	assert.Equal(t, ComplexityL, Score("", strings.Repeat("x", 800), nil))
	assert.Equal(t, ComplexityXL, Score("", strings.Repeat("x", 2000), nil))
	assert.Equal(t, ComplexityXL, Score("", strings.Repeat("x", 3000), nil))
}

func TestScoreKeywordBump(t *testing.T) {
	assert.Equal(t, ComplexityM, Score("Refactor the parser", "short", nil))
	assert.Equal(t, ComplexityM, Score("Parser", "needs a MIGRATION", nil))
}

func TestScoreFileReferenceBump(t *testing.T) {
	refs := "touch a/b.go c/d.go e/f.go g/h.go i/j.go k/l.go"
	assert.Equal(t, ComplexityL, Score("Refactor the parser", refs, nil))
	assert.Equal(t, ComplexityM, Score("Parser", refs, nil))

	five := "touch a/b.go c/d.go e/f.go g/h.go i/j.go"
	assert.Equal(t, ComplexityS, Score("Parser", five, nil))
}

func TestScoreSaturatesAtXL(t *testing.T) {
	desc := strings.Repeat("overhaul pkg/x/y.go ", 150)
	assert.Equal(t, ComplexityXL, Score("", desc, nil))
}

func TestComplexityBump(t *testing.T) {
	assert.Equal(t, ComplexityM, ComplexityS.Bump())
	assert.Equal(t, ComplexityL, ComplexityM.Bump())
	assert.Equal(t, ComplexityXL, ComplexityL.Bump())
	assert.Equal(t, ComplexityXL, ComplexityXL.Bump())
}
