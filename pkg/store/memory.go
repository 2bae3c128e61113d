package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline/foreman/pkg/foremanerr"
	"github.com/forgeline/foreman/pkg/models"
)

// MemoryStore keeps everything in process. Work orders are held in their
// serialized form so loads exercise the same round-trip as the durable
// store: transient per-execution state is empty on every load.
type MemoryStore struct {
	mu         sync.Mutex
	workOrders map[string][]byte
	updatedAt  map[string]time.Time
	receipts   map[string][]byte
	chat       map[string][]models.ChatMessage

	quotaBytes  int64
	retainCount int
}

// NewMemoryStore creates an in-memory store. quotaBytes <= 0 disables
// the quota.
func NewMemoryStore(quotaBytes int64, retainCount int) *MemoryStore {
	return &MemoryStore{
		workOrders:  make(map[string][]byte),
		updatedAt:   make(map[string]time.Time),
		receipts:    make(map[string][]byte),
		chat:        make(map[string][]models.ChatMessage),
		quotaBytes:  quotaBytes,
		retainCount: retainCount,
	}
}

func (m *MemoryStore) SaveWorkOrder(ctx context.Context, w *models.WorkOrder) error {
	data, err := json.Marshal(w)
	if err != nil {
		return foremanerr.Wrap(foremanerr.KindInternal, "serialize work order", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.workOrders[w.ID] = data
	m.updatedAt[w.ID] = w.UpdatedAt
	m.enforceQuotaLocked()
	return nil
}

// enforceQuotaLocked trims to the retain count when the serialized total
// exceeds the quota, dropping the least recently updated work orders.
func (m *MemoryStore) enforceQuotaLocked() {
	if m.quotaBytes <= 0 {
		return
	}
	var total int64
	for _, data := range m.workOrders {
		total += int64(len(data))
	}
	if total <= m.quotaBytes || len(m.workOrders) <= m.retainCount {
		return
	}

	ids := make([]string, 0, len(m.workOrders))
	for id := range m.workOrders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.updatedAt[ids[i]].After(m.updatedAt[ids[j]])
	})
	for _, id := range ids[m.retainCount:] {
		delete(m.workOrders, id)
		delete(m.updatedAt, id)
	}
}

func (m *MemoryStore) GetWorkOrder(ctx context.Context, id string) (*models.WorkOrder, error) {
	m.mu.Lock()
	data, ok := m.workOrders[id]
	m.mu.Unlock()
	if !ok {
		return nil, foremanerr.Ef(foremanerr.KindNotFound, "work order %s", id)
	}

	var w models.WorkOrder
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, foremanerr.Wrap(foremanerr.KindInternal, "deserialize work order", err)
	}
	return &w, nil
}

func (m *MemoryStore) ListWorkOrders(ctx context.Context) ([]*models.WorkOrder, error) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.workOrders))
	for id := range m.workOrders {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	out := make([]*models.WorkOrder, 0, len(ids))
	for _, id := range ids {
		w, err := m.GetWorkOrder(ctx, id)
		if err != nil {
			continue // trimmed concurrently
		}
		out = append(out, w)
	}
	return out, nil
}

func (m *MemoryStore) DeleteWorkOrder(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workOrders, id)
	delete(m.updatedAt, id)
	delete(m.chat, id)
	return nil
}

func (m *MemoryStore) SaveReceipt(ctx context.Context, r *models.Receipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return foremanerr.Wrap(foremanerr.KindInternal, "serialize receipt", err)
	}
	m.mu.Lock()
	m.receipts[r.WorkOrderID] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetReceipt(ctx context.Context, workOrderID string) (*models.Receipt, error) {
	m.mu.Lock()
	data, ok := m.receipts[workOrderID]
	m.mu.Unlock()
	if !ok {
		return nil, foremanerr.Ef(foremanerr.KindNotFound, "receipt for work order %s", workOrderID)
	}
	var r models.Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, foremanerr.Wrap(foremanerr.KindInternal, "deserialize receipt", err)
	}
	return &r, nil
}

func (m *MemoryStore) AppendChat(ctx context.Context, msg models.ChatMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	m.mu.Lock()
	m.chat[msg.WorkOrderID] = append(m.chat[msg.WorkOrderID], msg)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ChatSince(ctx context.Context, workOrderID string, after time.Time) ([]models.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.ChatMessage
	for _, msg := range m.chat[workOrderID] {
		if msg.CreatedAt.After(after) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
