package memory

import (
	"sort"
	"time"

	"github.com/aleybovich/carrot-jms/transport"
)

type topic struct {
	name    string
	base    int64                // offset of entries[0]
	entries []*transport.Message // nil entries are gaps left by recovery
	index   map[string]int64     // message ID -> offset
	subs    map[string]*subscription
}

func newTopic(name string, base int64) *topic {
	return &topic{
		name:  name,
		base:  base,
		index: make(map[string]int64),
		subs:  make(map[string]*subscription),
	}
}

func (t *topic) end() int64 {
	return t.base + int64(len(t.entries))
}

func (t *topic) at(offset int64) *transport.Message {
	if offset < t.base || offset >= t.end() {
		return nil
	}
	return t.entries[offset-t.base]
}

func (t *topic) append(m *transport.Message) int64 {
	offset := t.end()
	t.entries = append(t.entries, m)
	t.index[m.ID] = offset
	return offset
}

// trim drops entries below low and returns the dropped offset range
func (t *topic) trim(low int64) (from, to int64) {
	from = t.base
	for t.base < low && len(t.entries) > 0 {
		if m := t.entries[0]; m != nil {
			delete(t.index, m.ID)
		}
		t.entries[0] = nil
		t.entries = t.entries[1:]
		t.base++
	}
	return from, t.base
}

type redelivery struct {
	offset int64
	due    time.Time
}

type subscription struct {
	topic     *topic
	name      string
	typ       transport.SubscriptionType
	durable   bool
	cursor    int64                // next never-delivered offset
	pending   map[string]*consumer // delivered and unacknowledged, by message ID
	redeliver []redelivery         // ordered by due time
	attempts  map[string]int       // redelivery count by message ID
	consumers map[*consumer]struct{}
}

func newSubscription(t *topic, opts transport.SubscriptionOptions) *subscription {
	s := &subscription{
		topic:     t,
		name:      opts.Name,
		typ:       opts.Type,
		durable:   opts.Durable,
		cursor:    t.end(),
		pending:   make(map[string]*consumer),
		attempts:  make(map[string]int),
		consumers: make(map[*consumer]struct{}),
	}
	if opts.Initial == transport.Earliest {
		s.cursor = t.base
	}
	return s
}

// lowWater is the smallest offset the subscription may still need
func (s *subscription) lowWater() int64 {
	low := s.cursor
	for id := range s.pending {
		if off, ok := s.topic.index[id]; ok && off < low {
			low = off
		}
	}
	for _, r := range s.redeliver {
		if r.offset < low {
			low = r.offset
		}
	}
	return low
}

func (s *subscription) backlog() int {
	return int(s.topic.end()-s.cursor) + len(s.pending) + len(s.redeliver)
}

// take hands the next deliverable message to c. When nothing is ready it
// returns the time until the earliest scheduled redelivery, or zero.
func (s *subscription) take(c *consumer, now time.Time) (*transport.Message, time.Duration) {
	for len(s.redeliver) > 0 && !s.redeliver[0].due.After(now) {
		r := s.redeliver[0]
		s.redeliver = s.redeliver[1:]
		if m := s.topic.at(r.offset); m != nil {
			return s.deliver(c, m), 0
		}
	}
	for s.cursor < s.topic.end() {
		m := s.topic.at(s.cursor)
		s.cursor++
		if m != nil {
			return s.deliver(c, m), 0
		}
	}
	if len(s.redeliver) > 0 {
		return nil, s.redeliver[0].due.Sub(now)
	}
	return nil, 0
}

func (s *subscription) deliver(c *consumer, m *transport.Message) *transport.Message {
	s.pending[m.ID] = c
	out := m.Clone()
	out.RedeliveryCount = s.attempts[m.ID]
	return out
}

// schedule moves a pending message back for redelivery after delay
func (s *subscription) schedule(id string, due time.Time) {
	delete(s.pending, id)
	off, ok := s.topic.index[id]
	if !ok {
		return
	}
	s.attempts[id]++
	r := redelivery{offset: off, due: due}
	i := sort.Search(len(s.redeliver), func(i int) bool {
		return s.redeliver[i].due.After(due)
	})
	s.redeliver = append(s.redeliver, redelivery{})
	copy(s.redeliver[i+1:], s.redeliver[i:])
	s.redeliver[i] = r
}

func (s *subscription) ack(id string) {
	delete(s.pending, id)
	delete(s.attempts, id)
}
