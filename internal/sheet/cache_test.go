package sheet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormCacheCountsHitsAndMisses(t *testing.T) {
	loads := 0
	fc, err := newFormCache(10, func(pageIndex int) (int, error) {
		loads++
		return pageIndex + 100, nil
	}, nil)
	require.NoError(t, err)

	tpl, err := fc.get(3)
	require.NoError(t, err)
	assert.Equal(t, 103, tpl)

	tpl, err = fc.get(3)
	require.NoError(t, err)
	assert.Equal(t, 103, tpl)

	assert.Equal(t, 1, loads)
	assert.Equal(t, int64(1), fc.hits)
	assert.Equal(t, int64(2), fc.hits+fc.misses)
	assert.InDelta(t, 0.5, fc.hitRatio(), 1e-9)
}

func TestFormCacheEvictsAndReleases(t *testing.T) {
	var released []int
	fc, err := newFormCache(2, func(pageIndex int) (int, error) {
		return pageIndex, nil
	}, func(tpl int) {
		released = append(released, tpl)
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := fc.get(i)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, fc.len())
	assert.Equal(t, []int{0}, released)
}
