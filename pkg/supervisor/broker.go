package supervisor

import (
	"sync"

	"github.com/psantana5/sandboxd/pkg/workload"
)

// broker fans status events out to subscribers. A slow subscriber loses
// events rather than stalling the reaper.
type broker struct {
	mu   sync.Mutex
	next int
	subs map[int]chan workload.Event
}

func newBroker() *broker {
	return &broker{subs: make(map[int]chan workload.Event)}
}

func (b *broker) subscribe(buffer int) (<-chan workload.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan workload.Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// publish returns how many subscribers received the event and how many
// dropped it
func (b *broker) publish(ev workload.Event) (delivered, dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
			delivered++
		default:
			dropped++
		}
	}
	return delivered, dropped
}
