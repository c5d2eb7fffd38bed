package guard

import "sync"

// DefaultMaxInFlight is the default number of concurrent requests per key.
const DefaultMaxInFlight = 25

// InFlight counts concurrent requests per key. Keys are dropped when their
// count returns to zero.
type InFlight struct {
	max int

	mu     sync.Mutex
	counts map[string]int
}

// NewInFlight returns a counter allowing max concurrent holders per key,
// DefaultMaxInFlight when max is not positive.
func NewInFlight(max int) *InFlight {
	if max <= 0 {
		max = DefaultMaxInFlight
	}
	return &InFlight{max: max, counts: make(map[string]int)}
}

// Acquire reserves a slot for key. When ok is false the limit is reached
// and nothing was reserved. The release func is safe to call more than
// once.
func (f *InFlight) Acquire(key string) (release func(), ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.counts[key] >= f.max {
		return func() {}, false
	}
	f.counts[key]++

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()

			if f.counts[key] <= 1 {
				delete(f.counts, key)
				return
			}
			f.counts[key]--
		})
	}, true
}

// Count returns the number of slots held for key.
func (f *InFlight) Count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[key]
}

// Keys returns the number of keys with held slots.
func (f *InFlight) Keys() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.counts)
}

// Key selects the throttling key for a caller: the user id when
// authenticated, the client address otherwise.
func Key(userID, addr string) string {
	switch {
	case userID != "":
		return "user:" + userID
	case addr != "":
		return "ip:" + addr
	}
	return "anonymous"
}
