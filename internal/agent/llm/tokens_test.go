package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountTokensIsStableAcrossCalls(t *testing.T) {
	// The encoder resolves once per process; every call after that must
	// reuse it and agree on the count.
	first := CountTokens("the quick brown fox jumps over the lazy dog")
	assert.Positive(t, first)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, CountTokens("the quick brown fox jumps over the lazy dog"))
	}
}

func TestCountTokensEmptyText(t *testing.T) {
	assert.Zero(t, CountTokens(""))
}
