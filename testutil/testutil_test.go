package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRNGReproducible(t *testing.T) {
	a := NewRNG(7).Users(50, 5)
	b := NewRNG(7).Users(50, 5)
	require.Equal(t, a, b)

	r := NewRNG(7)
	first := r.Users(10, 5)
	r.Reset()
	assert.Equal(t, first, r.Users(10, 5))
	assert.Equal(t, int64(7), r.Seed())
}

func TestZipfRange(t *testing.T) {
	r := NewRNG(1)
	counts := make([]int, 4)
	for range 2000 {
		v := r.Zipf(4, 1.1)
		require.GreaterOrEqual(t, v, 0)
		require.Less(t, v, 4)
		counts[v]++
	}
	assert.Greater(t, counts[0], counts[3])
	assert.Equal(t, 0, r.Zipf(1, 1.1))
}

func TestCountByCity(t *testing.T) {
	docs := NewRNG(3).Users(100, 6)
	total := 0
	for city, n := range CountByCity(docs) {
		assert.Contains(t, city, "city-")
		total += n
	}
	assert.Equal(t, 100, total)
	assert.Equal(t, "users/0", docs[0].Key)
}
