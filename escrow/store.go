package escrow

import (
	"context"
	"sort"
	"sync"

	"escrowflow/dispute"
)

// Store persists transaction aggregates keyed by id. Save and AppendMessage use
// the aggregate's Version for optimistic concurrency and return ErrConflict when
// another writer got there first. List results omit messages.
type Store interface {
	Create(ctx context.Context, t Transaction) (Transaction, error)
	Load(ctx context.Context, id string) (Transaction, error)
	Save(ctx context.Context, t Transaction) (Transaction, error)
	AppendMessage(ctx context.Context, id string, m Message) (Message, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]Transaction, error)
	ListForParty(ctx context.Context, filters ListFilters) ([]Transaction, int, error)
	Stats(ctx context.Context) (Stats, error)
	Disputes() dispute.Store
}

// MemoryStore keeps aggregates in process memory. Values are deep-copied on the
// way in and out.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]Transaction
	nextSeq int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]Transaction)}
}

func (m *MemoryStore) Create(_ context.Context, t Transaction) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[t.ID]; exists {
		return Transaction{}, ErrConflict
	}
	m.nextSeq++
	t.Seq = m.nextSeq
	t.Version = 1
	m.byID[t.ID] = t.Clone()
	return t.Clone(), nil
}

func (m *MemoryStore) Load(_ context.Context, id string) (Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byID[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, t Transaction) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.byID[t.ID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	if current.Version != t.Version {
		return Transaction{}, ErrConflict
	}
	if len(t.Messages) < len(current.Messages) {
		return Transaction{}, ErrConflict
	}
	t.Seq = current.Seq
	t.Version = current.Version + 1
	m.byID[t.ID] = t.Clone()
	return t.Clone(), nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, id string, msg Message) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	msg.Seq = len(t.Messages) + 1
	msg.Attachments = append([]string(nil), msg.Attachments...)
	t.Messages = append(t.Messages, msg)
	t.Version++
	if msg.CreatedAt.After(t.UpdatedAt) {
		t.UpdatedAt = msg.CreatedAt
	}
	m.byID[id] = t
	return msg, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, statuses ...Status) ([]Transaction, error) {
	want := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Transaction
	for _, t := range m.byID {
		if want[t.Status] {
			out = append(out, summary(t))
		}
	}
	sortBySeq(out, false)
	return out, nil
}

func (m *MemoryStore) ListForParty(_ context.Context, f ListFilters) ([]Transaction, int, error) {
	f = normalizeFilters(f)
	m.mu.RLock()
	var matched []Transaction
	for _, t := range m.byID {
		if f.PartyID != "" && !t.IsParty(f.PartyID) && t.SupervisorID != f.PartyID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Category != "" && t.Item.Category != f.Category {
			continue
		}
		matched = append(matched, summary(t))
	}
	m.mu.RUnlock()

	sortBySeq(matched, true)
	total := len(matched)
	start := (f.Page - 1) * f.PageSize
	if start >= total {
		return []Transaction{}, total, nil
	}
	end := start + f.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := newStats()
	for _, t := range m.byID {
		st.Total++
		st.ByStatus[t.Status]++
		st.ByCategory[t.Item.Category]++
		st.Value[t.Currency] = st.Value[t.Currency].Add(t.Price)
		st.Fees[t.Currency] = st.Fees[t.Currency].Add(t.EscrowFee)
	}
	return st, nil
}

func (m *MemoryStore) Disputes() dispute.Store {
	return memoryDisputes{m}
}

type memoryDisputes struct {
	m *MemoryStore
}

func (d memoryDisputes) Get(_ context.Context, id string) (dispute.Record, error) {
	d.m.mu.RLock()
	defer d.m.mu.RUnlock()
	for _, t := range d.m.byID {
		if t.Dispute != nil && t.Dispute.ID == id {
			return *t.Clone().Dispute, nil
		}
	}
	return dispute.Record{}, dispute.ErrNotFound
}

func (d memoryDisputes) List(_ context.Context, status dispute.Status) ([]dispute.Record, error) {
	d.m.mu.RLock()
	var out []dispute.Record
	for _, t := range d.m.byID {
		if t.Dispute == nil || (status != "" && t.Dispute.Status != status) {
			continue
		}
		out = append(out, *t.Clone().Dispute)
	}
	d.m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func summary(t Transaction) Transaction {
	out := t.Clone()
	out.Messages = nil
	return out
}

func sortBySeq(items []Transaction, newestFirst bool) {
	sort.Slice(items, func(i, j int) bool {
		if newestFirst {
			return items[i].Seq > items[j].Seq
		}
		return items[i].Seq < items[j].Seq
	})
}

func normalizeFilters(f ListFilters) ListFilters {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}
	return f
}
