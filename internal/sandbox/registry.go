package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/flink-harness/internal/registry"
	"github.com/ChuLiYu/flink-harness/pkg/types"
	"github.com/google/uuid"
)

// BatchRecord is the registry's view of one batch.
type BatchRecord struct {
	ID                  types.BatchID
	Tenant              string
	Template            registry.Template
	Status              types.BatchStatus
	ExpectedRecordCount int64
	Created             time.Time
}

// MemoryRegistry implements registry.Client in memory. The Fail* fields
// inject errors.
type MemoryRegistry struct {
	mu      sync.Mutex
	batches map[types.BatchID]*BatchRecord
	deletes []string
	delCred []types.Credential
	onSend  []func(BatchRecord)

	FailCreate     error
	FailTransition error
	FailDelete     error
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		batches: make(map[types.BatchID]*BatchRecord),
	}
}

// OnSendComplete registers fn to run after a batch is marked sendCompleted.
func (r *MemoryRegistry) OnSendComplete(fn func(BatchRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSend = append(r.onSend, fn)
}

// CreateBatch implements registry.Client.
func (r *MemoryRegistry) CreateBatch(ctx context.Context, cred types.Credential, tenant string, tmpl registry.Template) (types.BatchID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.FailCreate != nil {
		return "", r.FailCreate
	}
	id := types.BatchID(uuid.NewString())
	r.batches[id] = &BatchRecord{
		ID:       id,
		Tenant:   tenant,
		Template: tmpl,
		Status:   types.StatusStarted,
		Created:  time.Now(),
	}
	return id, nil
}

// TransitionStatus implements registry.Client. Only sendComplete from
// started is accepted.
func (r *MemoryRegistry) TransitionStatus(ctx context.Context, cred types.Credential, tenant string, id types.BatchID, action string, expectedRecordCount int64) error {
	r.mu.Lock()
	if r.FailTransition != nil {
		r.mu.Unlock()
		return r.FailTransition
	}
	b, ok := r.batches[id]
	if !ok || b.Tenant != tenant {
		r.mu.Unlock()
		return fmt.Errorf("%w: 404 batch %s not found", registry.ErrUnexpectedStatus, id)
	}
	if action != registry.ActionSendComplete || b.Status != types.StatusStarted {
		r.mu.Unlock()
		return fmt.Errorf("%w: 409 cannot apply %s to batch in status %s", registry.ErrUnexpectedStatus, action, b.Status)
	}
	b.Status = types.StatusSendCompleted
	b.ExpectedRecordCount = expectedRecordCount
	rec := *b
	hooks := append([]func(BatchRecord){}, r.onSend...)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(rec)
	}
	return nil
}

// BulkDeleteByNamePrefix implements registry.Client.
func (r *MemoryRegistry) BulkDeleteByNamePrefix(ctx context.Context, cred types.Credential, tenant, prefix string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deletes = append(r.deletes, prefix)
	r.delCred = append(r.delCred, cred)
	if r.FailDelete != nil {
		return r.FailDelete
	}
	for id, b := range r.batches {
		if b.Tenant == tenant && strings.HasPrefix(b.Template.Name, prefix) {
			delete(r.batches, id)
		}
	}
	return nil
}

// Get returns a copy of a batch record.
func (r *MemoryRegistry) Get(id types.BatchID) (BatchRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return BatchRecord{}, false
	}
	return *b, true
}

// Len is the number of stored batches.
func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

// DeletedPrefixes lists every prefix passed to BulkDeleteByNamePrefix.
func (r *MemoryRegistry) DeletedPrefixes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.deletes...)
}

// DeleteCredentials lists the credential of every BulkDeleteByNamePrefix call.
func (r *MemoryRegistry) DeleteCredentials() []types.Credential {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Credential(nil), r.delCred...)
}
