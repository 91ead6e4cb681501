// ============================================================================
// flink-harness Batch Registry
// ============================================================================
//
// Package: internal/registry
// File: registry.go
// Purpose: Contract for the external batch registry (management API) that
//          assigns batch ids, records status transitions and lets the harness
//          purge test batches when a job is cleaned up.
//
// ============================================================================

package registry

import (
	"context"
	"errors"

	"github.com/ChuLiYu/flink-harness/pkg/types"
)

// ActionSendComplete tells the registry the producer side of a batch is done.
const ActionSendComplete = "sendComplete"

// ErrUnexpectedStatus is wrapped when the registry answers with a status code
// the operation does not accept.
var ErrUnexpectedStatus = errors.New("registry: unexpected response status")

// Template is the body used to create a batch.
type Template struct {
	Name     string `json:"name"`
	DataType string `json:"dataType"`
	Topic    string `json:"topic"`
}

// Client is the batch registry.
type Client interface {
	CreateBatch(ctx context.Context, cred types.Credential, tenant string, tmpl Template) (types.BatchID, error)
	// TransitionStatus applies action (e.g. sendComplete) with the expected
	// record count.
	TransitionStatus(ctx context.Context, cred types.Credential, tenant string, id types.BatchID, action string, expectedRecordCount int64) error
	// BulkDeleteByNamePrefix removes every batch of tenant whose name starts
	// with prefix.
	BulkDeleteByNamePrefix(ctx context.Context, cred types.Credential, tenant, prefix string) error
}
