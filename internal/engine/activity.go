package engine

import (
	"sync"
	"time"
)

// Activity is one propagation outcome, published so the otherwise-silent
// background loops can be observed.
type Activity struct {
	Time       time.Time `json:"time"`
	Kind       string    `json:"kind"`
	Database   string    `json:"database,omitempty"`
	DocumentID string    `json:"documentId,omitempty"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
}

// ActivityFeed fans out activities to subscribers. Slow subscribers drop
// entries rather than stalling the publisher.
type ActivityFeed struct {
	mu   sync.Mutex
	subs map[chan Activity]struct{}
}

func NewActivityFeed() *ActivityFeed {
	return &ActivityFeed{subs: map[chan Activity]struct{}{}}
}

func (f *ActivityFeed) Publish(a Activity) {
	if f == nil {
		return
	}
	if a.Time.IsZero() {
		a.Time = time.Now().UTC()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- a:
		default:
		}
	}
}

func (f *ActivityFeed) Subscribe() (<-chan Activity, func()) {
	ch := make(chan Activity, 64)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	cancel := func() {
		f.mu.Lock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}
