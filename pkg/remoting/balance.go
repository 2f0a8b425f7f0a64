package remoting

import (
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// balancer picks anycast recipients round-robin, with one cursor per topic
type balancer struct {
	cursors cmap.ConcurrentMap[string, *atomic.Uint64]
}

func newBalancer() *balancer {
	return &balancer{
		cursors: cmap.New[*atomic.Uint64](),
	}
}

// next returns the index of the next recipient among size candidates for topic.
// size must be positive.
func (b *balancer) next(topic string, size int) int {
	cursor := b.cursors.Upsert(topic, nil, func(exist bool, valueInMap *atomic.Uint64, _ *atomic.Uint64) *atomic.Uint64 {
		if exist {
			return valueInMap
		}
		return new(atomic.Uint64)
	})
	n := cursor.Add(1) - 1
	return int(n % uint64(size))
}
