package store

import (
	"context"
	"sync"

	"github.com/clinsync/clinsync/internal/model"
)

// Subscription delivery is coalesced at-least-once: every committed
// transaction wakes each subscriber, but a wake arriving while a
// delivery is already pending collapses into that delivery. Each
// subscriber re-runs its query on its own goroutine so a slow callback
// never blocks writers or other subscribers.

type subscriber struct {
	wake chan struct{} // buffered(1); coalesces wakes
	done chan struct{}
}

type subscriberSet struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
	wg     sync.WaitGroup
	closed bool
}

func newSubscriberSet() *subscriberSet {
	return &subscriberSet{subs: make(map[int]*subscriber)}
}

func (ss *subscriberSet) add() (int, *subscriber, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return 0, nil, false
	}
	ss.nextID++
	sub := &subscriber{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	ss.subs[ss.nextID] = sub
	return ss.nextID, sub, true
}

func (ss *subscriberSet) remove(id int) {
	ss.mu.Lock()
	sub, ok := ss.subs[id]
	if ok {
		delete(ss.subs, id)
	}
	ss.mu.Unlock()
	if ok {
		close(sub.done)
	}
}

func (ss *subscriberSet) wakeAll() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for _, sub := range ss.subs {
		select {
		case sub.wake <- struct{}{}:
		default:
			// A delivery is already pending; the coming re-query will
			// observe this commit too.
		}
	}
}

func (ss *subscriberSet) closeAll() {
	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		return
	}
	ss.closed = true
	for id, sub := range ss.subs {
		delete(ss.subs, id)
		close(sub.done)
	}
	ss.mu.Unlock()
	ss.wg.Wait()
}

// Subscribe registers callback to receive the filtered patient list
// after every committed transaction that may affect it. The initial
// result set is delivered immediately. The returned function cancels
// the subscription; it is safe to call more than once.
func (s *Store) Subscribe(filter Filter, callback func([]model.Patient)) (unsubscribe func()) {
	id, sub, ok := s.subs.add()
	if !ok {
		return func() {}
	}

	// Prime the first delivery.
	sub.wake <- struct{}{}

	s.subs.wg.Add(1)
	go func() {
		defer s.subs.wg.Done()
		for {
			select {
			case <-sub.done:
				return
			case <-sub.wake:
				patients, err := s.QueryPatients(context.Background(), filter)
				if err != nil {
					// The store may be closing underneath us; the
					// subscriber simply misses this delivery.
					continue
				}
				callback(patients)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { s.subs.remove(id) })
	}
}
