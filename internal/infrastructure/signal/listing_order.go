package signal

import "sync"

// listingOrder applies room listing updates in the order the hub admitted
// them. A ticket is taken while the hub lock is held; the update runs once
// every earlier ticket for the same room has finished.
type listingOrder struct {
	mu    sync.Mutex
	cond  *sync.Cond
	rooms map[string]*listingTurns
}

type listingTurns struct {
	issued  uint64
	serving uint64
}

func newListingOrder() *listingOrder {
	o := &listingOrder{rooms: make(map[string]*listingTurns)}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// ticket must be followed by exactly one run with the returned value.
func (o *listingOrder) ticket(room string) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	turns, ok := o.rooms[room]
	if !ok {
		turns = &listingTurns{}
		o.rooms[room] = turns
	}
	n := turns.issued
	turns.issued++
	return n
}

func (o *listingOrder) run(room string, ticket uint64, fn func()) {
	o.mu.Lock()
	for o.rooms[room].serving != ticket {
		o.cond.Wait()
	}
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		turns := o.rooms[room]
		turns.serving++
		if turns.serving == turns.issued {
			delete(o.rooms, room)
		}
		o.cond.Broadcast()
		o.mu.Unlock()
	}()
	fn()
}
