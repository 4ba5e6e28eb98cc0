// Package dispatch implements the Dispatcher (spec §4.6, component C6): an
// immutable-after-start id -> handler table invoked by worker-pool
// goroutines.
package dispatch

import (
	"fmt"

	"github.com/steelcore/msgserver/internal/logx"
	"github.com/steelcore/msgserver/internal/session"
)

// Handler is application-registered callback bound to a message id.
type Handler func(s *session.Session, id uint16, payload []byte)

// Dispatcher maps message-id to Handler. Registration happens at startup,
// before Start(); after Freeze the table is read-only so concurrent
// Dispatch calls need no lock (spec §4.6).
type Dispatcher struct {
	log      logx.Logger
	handlers map[uint16]Handler
	frozen   bool
}

// New builds an empty Dispatcher.
func New(log logx.Logger) *Dispatcher {
	return &Dispatcher{log: log, handlers: make(map[uint16]Handler)}
}

// Register binds id to handler. Panics if called after Freeze — registration
// is a startup-only operation (spec §4.6).
func (d *Dispatcher) Register(id uint16, handler Handler) {
	if d.frozen {
		panic(fmt.Sprintf("dispatch: Register(%d) called after Freeze", id))
	}
	d.handlers[id] = handler
}

// Freeze makes the table immutable; call once before the server starts
// accepting connections.
func (d *Dispatcher) Freeze() { d.frozen = true }

// Dispatch looks up the handler for id and invokes it. A missing id is
// logged at warning and the message dropped (spec §4.6/§7). A handler
// panic is caught, logged at error with the id, and does not take down the
// worker goroutine (spec §7 "Handler" error policy).
func (d *Dispatcher) Dispatch(s *session.Session, id uint16, payload []byte) {
	h, ok := d.handlers[id]
	if !ok {
		d.log.Warnf("dispatch: no handler registered for id=%d, dropping message", id)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorf("dispatch: handler for id=%d panicked: %v", id, r)
		}
	}()
	h(s, id, payload)
}
