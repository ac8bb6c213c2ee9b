package sparse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBleveEncoder_EncodeProducesParallelIndicesAndValues(t *testing.T) {
	enc, err := NewBleveEncoder()
	require.NoError(t, err)

	vec, err := enc.Encode(context.Background(), "the quick brown fox jumps over the lazy dog")
	require.NoError(t, err)
	require.NotNil(t, vec)
	assert.Equal(t, len(vec.Indices), len(vec.Values))
	assert.NotEmpty(t, vec.Indices)
}

func TestBleveEncoder_EmptyTextReturnsEmptyVector(t *testing.T) {
	enc, err := NewBleveEncoder()
	require.NoError(t, err)

	vec, err := enc.Encode(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, vec.Indices)
}

func TestBleveEncoder_RepeatedTermsWeightHigherThanSingleOccurrence(t *testing.T) {
	enc, err := NewBleveEncoder()
	require.NoError(t, err)

	repeated, err := enc.Encode(context.Background(), "apple apple apple apple banana")
	require.NoError(t, err)

	// log-scaled TF means a term repeated four times scores above 1,
	// while a single-occurrence term is exactly 1.
	foundHigh := false
	for _, v := range repeated.Values {
		if v > 1.0 {
			foundHigh = true
		}
	}
	assert.True(t, foundHigh)
}

func TestHashTerm_IsDeterministic(t *testing.T) {
	a := hashTerm([]byte("consistent"))
	b := hashTerm([]byte("consistent"))
	assert.Equal(t, a, b)
}
