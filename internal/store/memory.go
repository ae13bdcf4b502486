package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mobilemsg/pushbox/internal/message"
)

func nowMillis() int64 { return time.Now().UnixMilli() }

type inboxEntry struct {
	msg     *message.Message
	deleted bool
}

// Memory is a volatile Store used by tests and as a fallback when no
// database path is configured. Outbox order is insertion order.
type Memory struct {
	mu       sync.Mutex
	outbox   []*message.Message
	inbox    map[string]*inboxEntry
	inboxSeq []string
	channels map[string]struct{}
	receipts map[string]map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		inbox:    make(map[string]*inboxEntry),
		channels: make(map[string]struct{}),
		receipts: make(map[string]map[string]struct{}),
	}
}

func (s *Memory) Close() error { return nil }

func copyMsg(m *message.Message) *message.Message {
	c := *m
	c.Content = append([]byte(nil), m.Content...)
	return &c
}

func (s *Memory) AddOutboxMessage(_ context.Context, m *message.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox = append(s.outbox, copyMsg(m))
	return nil
}

func (s *Memory) OutboxMessages(_ context.Context) ([]*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*message.Message, 0, len(s.outbox))
	for _, m := range s.outbox {
		out = append(out, copyMsg(m))
	}
	return out, nil
}

func (s *Memory) RemoveOutboxMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.outbox {
		if m.ID == id {
			s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Memory) AddInboxMessage(_ context.Context, m *message.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[m.Channel] = struct{}{}
	if _, ok := s.inbox[m.ID]; !ok {
		s.inboxSeq = append(s.inboxSeq, m.ID)
	}
	s.inbox[m.ID] = &inboxEntry{msg: copyMsg(m)}
	return nil
}

func (s *Memory) Message(_ context.Context, id string) (*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.inbox[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMsg(e.msg), nil
}

func (s *Memory) InboxMessages(_ context.Context, channel, subchannel string) ([]*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*message.Message
	for _, id := range s.inboxSeq {
		e, ok := s.inbox[id]
		if !ok || e.deleted {
			continue
		}
		if e.msg.Channel != channel {
			continue
		}
		if subchannel != "" && e.msg.Subchannel != subchannel {
			continue
		}
		out = append(out, copyMsg(e.msg))
	}
	return out, nil
}

func (s *Memory) RemoveInboxMessage(_ context.Context, id string, hard bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.inbox[id]
	if !ok {
		return ErrNotFound
	}
	if hard {
		delete(s.inbox, id)
		delete(s.receipts, id)
		for i, sid := range s.inboxSeq {
			if sid == id {
				s.inboxSeq = append(s.inboxSeq[:i], s.inboxSeq[i+1:]...)
				break
			}
		}
		return nil
	}
	e.deleted = true
	e.msg.Content = []byte(`{}`)
	return nil
}

func (s *Memory) undeliveredLocked(receiver string, match func(*message.Message) bool) []*message.Message {
	var out []*message.Message
	for _, id := range s.inboxSeq {
		e, ok := s.inbox[id]
		if !ok || e.deleted || !match(e.msg) {
			continue
		}
		if _, seen := s.receipts[id][receiver]; seen {
			continue
		}
		out = append(out, copyMsg(e.msg))
	}
	return out
}

func (s *Memory) UndeliveredMessages(_ context.Context, channel, subchannel, receiver string) ([]*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.undeliveredLocked(receiver, func(m *message.Message) bool {
		if m.Channel != channel {
			return false
		}
		return subchannel == "" || m.Subchannel == subchannel
	}), nil
}

func (s *Memory) AllUndeliveredMessages(_ context.Context, receiver string) ([]*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.undeliveredLocked(receiver, func(*message.Message) bool { return true }), nil
}

func (s *Memory) AddChannel(_ context.Context, name string) error {
	if err := message.ValidateChannel(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[name] = struct{}{}
	return nil
}

func (s *Memory) RemoveChannel(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, name)
	keep := s.inboxSeq[:0]
	for _, id := range s.inboxSeq {
		e, ok := s.inbox[id]
		if ok && e.msg.Channel == name {
			delete(s.inbox, id)
			delete(s.receipts, id)
			continue
		}
		keep = append(keep, id)
	}
	s.inboxSeq = keep
	return nil
}

func (s *Memory) Channels(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for name := range s.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Memory) MessageDelivered(_ context.Context, id, receiver string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbox[id]; !ok {
		return false, nil
	}
	if s.receipts[id] == nil {
		s.receipts[id] = make(map[string]struct{})
	}
	s.receipts[id][receiver] = struct{}{}
	return true, nil
}

func (s *Memory) ClearExpiredMessages(_ context.Context) error {
	now := nowMillis()
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := s.inboxSeq[:0]
	for _, id := range s.inboxSeq {
		e, ok := s.inbox[id]
		if ok && e.msg.Expiry != 0 && e.msg.Expiry <= now {
			delete(s.inbox, id)
			delete(s.receipts, id)
			continue
		}
		keep = append(keep, id)
	}
	s.inboxSeq = keep
	return nil
}
