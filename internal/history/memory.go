package history

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps messages in process memory. It honours the same
// contract as GormStore and is meant for tests and throwaway sessions.
type MemoryStore struct {
	mu       sync.Mutex
	messages []Message
	nextID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

func (s *MemoryStore) Append(ctx context.Context, text string, sender Sender, timestamp int64) (int64, error) {
	if err := Validate(text, sender); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, &StoreError{Op: "append", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(Message{Text: text, Sender: sender, Timestamp: timestamp}), nil
}

func (s *MemoryStore) AppendTurn(ctx context.Context, user, ai Message) (int64, int64, error) {
	if err := Validate(user.Text, user.Sender); err != nil {
		return 0, 0, err
	}
	if err := Validate(ai.Text, ai.Sender); err != nil {
		return 0, 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, &StoreError{Op: "append turn", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(user), s.appendLocked(ai), nil
}

func (s *MemoryStore) appendLocked(msg Message) int64 {
	msg.ID = s.nextID
	s.nextID++
	s.messages = append(s.messages, msg)
	return msg.ID
}

func (s *MemoryStore) ListAll(_ context.Context) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out, nil
}

func (s *MemoryStore) ListByTimestamp(ctx context.Context) ([]Message, error) {
	out, _ := s.ListAll(ctx)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out, nil
}

func (s *MemoryStore) Latest(ctx context.Context) (Message, error) {
	msgs, _ := s.ListByTimestamp(ctx)
	if len(msgs) == 0 {
		return Message{}, ErrNoMessages
	}
	return msgs[len(msgs)-1], nil
}

func (s *MemoryStore) Close() error { return nil }
