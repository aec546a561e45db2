package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/aleybovich/carrot-jms/storage"
	"github.com/aleybovich/carrot-jms/transport"
)

// Helper functions to construct storage keys. Topic names are escaped so
// that names containing ':' cannot collide.
func TopicKey(topic string) string {
	return storage.KeyPrefixTopic + url.QueryEscape(topic)
}

func MessageKey(topic string, offset int64) string {
	return fmt.Sprintf("%s%s:%020d", storage.KeyPrefixMessage, url.QueryEscape(topic), offset)
}

func SubscriptionKey(topic, name string) string {
	return storage.KeyPrefixSubscription + url.QueryEscape(topic) + ":" + url.QueryEscape(name)
}

// Storage record types

type TopicRecord struct {
	Name       string `json:"name"`
	NextOffset int64  `json:"next_offset"`
}

type MessageRecord struct {
	ID          string                             `json:"id"`
	Topic       string                             `json:"topic"`
	Offset      int64                              `json:"offset"`
	Properties  map[string]transport.PropertyValue `json:"properties,omitempty"`
	Body        []byte                             `json:"body"`
	PublishTime time.Time                          `json:"publish_time"`
}

type SubscriptionRecord struct {
	Topic     string         `json:"topic"`
	Name      string         `json:"name"`
	Shared    bool           `json:"shared"`
	Cursor    int64          `json:"cursor"`
	Pending   []int64        `json:"pending,omitempty"`   // delivered when last saved
	Redeliver []int64        `json:"redeliver,omitempty"` // waiting for redelivery
	Attempts  map[string]int `json:"attempts,omitempty"`
}

func messageToRecord(offset int64, m *transport.Message) (*MessageRecord, error) {
	props, err := transport.EncodeProperties(m.Properties)
	if err != nil {
		return nil, err
	}
	return &MessageRecord{
		ID:          m.ID,
		Topic:       m.Topic,
		Offset:      offset,
		Properties:  props,
		Body:        m.Body,
		PublishTime: m.PublishTime,
	}, nil
}

func recordToMessage(r *MessageRecord) (*transport.Message, error) {
	props, err := transport.DecodeProperties(r.Properties)
	if err != nil {
		return nil, err
	}
	return &transport.Message{
		ID:          r.ID,
		Topic:       r.Topic,
		Properties:  props,
		Body:        r.Body,
		PublishTime: r.PublishTime,
	}, nil
}

func subscriptionToRecord(s *subscription) *SubscriptionRecord {
	r := &SubscriptionRecord{
		Topic:  s.topic.name,
		Name:   s.name,
		Shared: s.typ == transport.Shared,
		Cursor: s.cursor,
	}
	for id := range s.pending {
		if off, ok := s.topic.index[id]; ok {
			r.Pending = append(r.Pending, off)
		}
	}
	sort.Slice(r.Pending, func(i, j int) bool { return r.Pending[i] < r.Pending[j] })
	for _, rd := range s.redeliver {
		r.Redeliver = append(r.Redeliver, rd.offset)
	}
	if len(s.attempts) > 0 {
		r.Attempts = make(map[string]int, len(s.attempts))
		for id, n := range s.attempts {
			r.Attempts[id] = n
		}
	}
	return r
}

// persistence writes broker state through a storage provider
type persistence struct {
	provider storage.StorageProvider
}

// journal collects the storage writes of one broker operation. A nil
// journal, used when persistence is disabled, ignores everything.
type journal struct {
	p   *persistence
	ops []journalOp
	err error
}

type journalOp struct {
	key   string
	value []byte // nil deletes key
}

func (p *persistence) journal() *journal {
	if p == nil {
		return nil
	}
	return &journal{p: p}
}

func (j *journal) set(key string, record any) {
	if j.err != nil {
		return
	}
	data, err := json.Marshal(record)
	if err != nil {
		j.err = fmt.Errorf("marshaling %s: %w", key, err)
		return
	}
	j.ops = append(j.ops, journalOp{key: key, value: data})
}

func (j *journal) putTopic(t *topic) {
	if j == nil {
		return
	}
	j.set(TopicKey(t.name), &TopicRecord{Name: t.name, NextOffset: t.end()})
}

func (j *journal) putMessage(t *topic, offset int64, m *transport.Message) {
	if j == nil {
		return
	}
	r, err := messageToRecord(offset, m)
	if err != nil {
		if j.err == nil {
			j.err = fmt.Errorf("encoding message %s: %w", m.ID, err)
		}
		return
	}
	j.set(MessageKey(t.name, offset), r)
}

func (j *journal) dropMessages(t *topic, from, to int64) {
	if j == nil {
		return
	}
	for off := from; off < to; off++ {
		j.ops = append(j.ops, journalOp{key: MessageKey(t.name, off)})
	}
}

// putSubscription saves durable subscriptions; non-durable ones are not persisted
func (j *journal) putSubscription(s *subscription) {
	if j == nil || !s.durable {
		return
	}
	j.set(SubscriptionKey(s.topic.name, s.name), subscriptionToRecord(s))
}

func (j *journal) dropSubscription(s *subscription) {
	if j == nil {
		return
	}
	j.ops = append(j.ops, journalOp{key: SubscriptionKey(s.topic.name, s.name)})
}

func (j *journal) putSeq(seq int64) {
	if j == nil {
		return
	}
	j.set(storage.KeySeqCounter, seq)
}

// flush applies the collected writes in one storage transaction
func (j *journal) flush() error {
	if j == nil {
		return nil
	}
	if j.err != nil {
		return j.err
	}
	if len(j.ops) == 0 {
		return nil
	}

	tx, err := j.p.provider.BeginTx()
	if err != nil {
		return fmt.Errorf("beginning storage transaction: %w", err)
	}
	for _, op := range j.ops {
		if op.value == nil {
			err = tx.Delete(op.key)
		} else {
			err = tx.Set(op.key, op.value)
		}
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("staging %s: %w", op.key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing storage transaction: %w", err)
	}
	j.ops = nil
	return nil
}

// recordFormat is the layout version of the records above
const recordFormat = "1"

// checkFormat stamps an empty store with recordFormat and refuses a store
// written with a different layout
func checkFormat(p storage.StorageProvider) error {
	ok, err := p.Exists(storage.KeyFormat)
	if err != nil {
		return fmt.Errorf("checking record format: %w", err)
	}
	if !ok {
		return p.Set(storage.KeyFormat, []byte(recordFormat))
	}
	data, err := p.Get(storage.KeyFormat)
	if err != nil {
		return fmt.Errorf("loading record format: %w", err)
	}
	if string(data) != recordFormat {
		return fmt.Errorf("storage holds record format %q, want %q", data, recordFormat)
	}
	return nil
}

func messagePrefix(topic string) string {
	return storage.KeyPrefixMessage + url.QueryEscape(topic) + ":"
}

// recover rebuilds topics, logs and durable subscriptions from storage.
// Messages that were delivered but unacknowledged when the state was saved
// are scheduled for immediate redelivery, and the bumped delivery counts are
// written back. Records left behind by a topic that no longer exists, or past
// a topic's end, are deleted.
func (b *Broker) recover() error {
	p := b.store.provider

	if err := checkFormat(p); err != nil {
		return err
	}

	data, err := p.Get(storage.KeySeqCounter)
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
	case err != nil:
		return fmt.Errorf("loading sequence counter: %w", err)
	default:
		if err := json.Unmarshal(data, &b.seq); err != nil {
			return fmt.Errorf("unmarshaling sequence counter: %w", err)
		}
	}

	err = p.Scan(storage.KeyPrefixTopic, func(key string, value []byte) error {
		var r TopicRecord
		if err := json.Unmarshal(value, &r); err != nil {
			return fmt.Errorf("unmarshaling %s: %w", key, err)
		}
		b.topics[r.Name] = newTopic(r.Name, r.NextOffset)
		return nil
	})
	if err != nil {
		return fmt.Errorf("loading topics: %w", err)
	}

	records := make(map[string][]*MessageRecord)
	err = p.Scan(storage.KeyPrefixMessage, func(key string, value []byte) error {
		var r MessageRecord
		if err := json.Unmarshal(value, &r); err != nil {
			return fmt.Errorf("unmarshaling %s: %w", key, err)
		}
		records[r.Topic] = append(records[r.Topic], &r)
		return nil
	})
	if err != nil {
		return fmt.Errorf("loading messages: %w", err)
	}

	var stale []string
	for name, rs := range records {
		t, ok := b.topics[name]
		if !ok {
			keys, err := p.Keys(messagePrefix(name))
			if err != nil {
				return fmt.Errorf("listing messages of '%s': %w", name, err)
			}
			b.log.Warn("Dropping %d messages of unknown topic '%s'", len(keys), name)
			stale = append(stale, keys...)
			continue
		}
		sort.Slice(rs, func(i, j int) bool { return rs[i].Offset < rs[j].Offset })
		next := t.base // NextOffset from the topic record
		for _, r := range rs {
			if r.Offset >= next {
				stale = append(stale, MessageKey(name, r.Offset))
			}
		}
		if rs[0].Offset >= next {
			continue
		}
		t.base = rs[0].Offset
		t.entries = make([]*transport.Message, next-t.base)
		for _, r := range rs {
			if r.Offset >= next {
				continue
			}
			m, err := recordToMessage(r)
			if err != nil {
				return fmt.Errorf("decoding message %s: %w", r.ID, err)
			}
			t.entries[r.Offset-t.base] = m
			t.index[m.ID] = r.Offset
		}
	}
	if len(stale) > 0 {
		if err := p.DeleteBatch(stale); err != nil {
			return fmt.Errorf("deleting stale messages: %w", err)
		}
	}

	now := b.now()
	var orphans []string
	redelivered := make(map[string][]byte)
	err = p.Scan(storage.KeyPrefixSubscription, func(key string, value []byte) error {
		var r SubscriptionRecord
		if err := json.Unmarshal(value, &r); err != nil {
			return fmt.Errorf("unmarshaling %s: %w", key, err)
		}
		t, ok := b.topics[r.Topic]
		if !ok {
			b.log.Warn("Dropping subscription '%s' of unknown topic '%s'", r.Name, r.Topic)
			orphans = append(orphans, key)
			return nil
		}
		typ := transport.Exclusive
		if r.Shared {
			typ = transport.Shared
		}
		s := newSubscription(t, transport.SubscriptionOptions{Topic: r.Topic, Name: r.Name, Type: typ, Durable: true})
		s.cursor = r.Cursor
		for id, n := range r.Attempts {
			s.attempts[id] = n
		}
		for _, off := range r.Redeliver {
			s.redeliver = append(s.redeliver, redelivery{offset: off, due: now})
		}
		for _, off := range r.Pending {
			if m := t.at(off); m != nil {
				s.attempts[m.ID]++
				s.redeliver = append(s.redeliver, redelivery{offset: off, due: now})
			}
		}
		t.subs[r.Name] = s
		if len(r.Pending) > 0 {
			data, err := json.Marshal(subscriptionToRecord(s))
			if err != nil {
				return fmt.Errorf("marshaling %s: %w", key, err)
			}
			redelivered[key] = data
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("loading subscriptions: %w", err)
	}

	for _, key := range orphans {
		if err := p.Delete(key); err != nil {
			return fmt.Errorf("deleting %s: %w", key, err)
		}
	}
	if len(redelivered) > 0 {
		if err := p.SetBatch(redelivered); err != nil {
			return fmt.Errorf("saving recovered subscriptions: %w", err)
		}
	}

	for name, t := range b.topics {
		b.log.Debug("Recovered topic '%s' with %d messages and %d subscriptions", name, len(t.entries), len(t.subs))
	}
	return nil
}
