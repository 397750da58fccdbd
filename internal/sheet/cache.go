package sheet

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// formCache bounds the number of source pages held as reusable imported
// templates. Identical page re-uses within a sheet build hit the cache
// instead of re-copying raw content.
type formCache struct {
	cache  *lru.Cache[int, int]
	load   func(pageIndex int) (int, error)
	hits   int64
	misses int64
}

// newFormCache builds a cache of the given capacity. release, if non-nil, is
// invoked for every evicted template handle.
func newFormCache(capacity int, load func(pageIndex int) (int, error), release func(template int)) (*formCache, error) {
	c, err := lru.NewWithEvict[int, int](capacity, func(_ int, tpl int) {
		if release != nil {
			release(tpl)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create form cache: %w", err)
	}
	return &formCache{cache: c, load: load}, nil
}

// get returns the template handle for a source page, importing it on a miss.
func (fc *formCache) get(pageIndex int) (int, error) {
	if tpl, ok := fc.cache.Get(pageIndex); ok {
		fc.hits++
		return tpl, nil
	}

	fc.misses++
	tpl, err := fc.load(pageIndex)
	if err != nil {
		return 0, err
	}
	fc.cache.Add(pageIndex, tpl)
	return tpl, nil
}

func (fc *formCache) hitRatio() float64 {
	total := fc.hits + fc.misses
	if total == 0 {
		return 0
	}
	return float64(fc.hits) / float64(total)
}

func (fc *formCache) len() int {
	return fc.cache.Len()
}
