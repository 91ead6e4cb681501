package harness

import (
	"github.com/ChuLiYu/flink-harness/pkg/types"
)

// EventHandler receives the events the stream monitor classifies. Every call
// happens on the stream monitor goroutine while it holds its lock, so calls
// never overlap and a Batch's Info can be updated without further locking
// order concerns. A returned error is fatal to the stream monitor.
type EventHandler interface {
	HandleNotification(b *Batch, n types.Notification) error
	HandleInvalid(b *Batch, rec types.InvalidRecord) error
	HandleOutput(b *Batch, recordName string, payload []byte) error
	HandleInput(b *Batch, recordName string, payload []byte) error
}

// NopHandler ignores every event.
type NopHandler struct{}

func (NopHandler) HandleNotification(*Batch, types.Notification) error { return nil }
func (NopHandler) HandleInvalid(*Batch, types.InvalidRecord) error     { return nil }
func (NopHandler) HandleOutput(*Batch, string, []byte) error           { return nil }
func (NopHandler) HandleInput(*Batch, string, []byte) error            { return nil }

// Handlers adapts plain functions to EventHandler. Nil fields ignore their
// event.
type Handlers struct {
	Notification func(b *Batch, n types.Notification) error
	Invalid      func(b *Batch, rec types.InvalidRecord) error
	Output       func(b *Batch, recordName string, payload []byte) error
	Input        func(b *Batch, recordName string, payload []byte) error
}

func (h Handlers) HandleNotification(b *Batch, n types.Notification) error {
	if h.Notification == nil {
		return nil
	}
	return h.Notification(b, n)
}

func (h Handlers) HandleInvalid(b *Batch, rec types.InvalidRecord) error {
	if h.Invalid == nil {
		return nil
	}
	return h.Invalid(b, rec)
}

func (h Handlers) HandleOutput(b *Batch, recordName string, payload []byte) error {
	if h.Output == nil {
		return nil
	}
	return h.Output(b, recordName, payload)
}

func (h Handlers) HandleInput(b *Batch, recordName string, payload []byte) error {
	if h.Input == nil {
		return nil
	}
	return h.Input(b, recordName, payload)
}

// handlersOf splits h into per-category slots.
func handlersOf(h EventHandler) Handlers {
	if hs, ok := h.(Handlers); ok {
		return hs
	}
	return Handlers{
		Notification: h.HandleNotification,
		Invalid:      h.HandleInvalid,
		Output:       h.HandleOutput,
		Input:        h.HandleInput,
	}
}
