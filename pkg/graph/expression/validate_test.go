package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSafetyAllowsSafeSubset(t *testing.T) {
	for _, expr := range []string{
		"",
		"x > 5",
		`status == "ok" && retries < 3`,
		`"urgent" in tags`,
		"len(items) > 0",
		"min(scores) >= 0",
		`sum(map(items, .price)) < 100`,
		"scores[1] == 3",
		`{"a": 1}["a"] == 1`,
		"all(scores, # > 0)",
	} {
		t.Run(expr, func(t *testing.T) {
			assert.NoError(t, ValidateSafety(expr))
		})
	}
}

func TestValidateSafetyRejectsUnderscore(t *testing.T) {
	for _, expr := range []string{
		"_hidden == 1",
		"obj._private > 0",
		"obj._get() == 1",
	} {
		t.Run(expr, func(t *testing.T) {
			err := ValidateSafety(expr)
			assert.Error(t, err)
			assert.Contains(t, err.Error(), "underscore")
		})
	}
}

func TestValidateSafetyRejectsUnknownCalls(t *testing.T) {
	for _, expr := range []string{
		"eval(x)",
		"system(cmd) == 0",
		"open(path) != nil",
	} {
		t.Run(expr, func(t *testing.T) {
			err := ValidateSafety(expr)
			assert.Error(t, err)
			assert.Contains(t, err.Error(), "not allow-listed")
		})
	}
}

func TestValidateSafetyRejectsMalformed(t *testing.T) {
	assert.Error(t, ValidateSafety("x >"))
}
