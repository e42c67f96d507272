// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amq

// Registry maps handler identifiers to handlers.
//
// Populate the registry before opening a queue with it; Register is not
// safe against concurrent dispatch. All peers of a team must register the
// same identifiers — a message naming an identifier the receiver does not
// know is a protocol violation and aborts the drainer.
type Registry struct {
	handlers map[HandlerID]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[HandlerID]Handler)}
}

// Register binds fn to id, replacing any previous binding.
// Panics if fn is nil.
func (r *Registry) Register(id HandlerID, fn Handler) {
	if fn == nil {
		panic("amq: nil handler")
	}
	r.handlers[id] = fn
}

// lookup resolves id. The drainer treats a miss as fatal.
func (r *Registry) lookup(id HandlerID) (Handler, bool) {
	fn, ok := r.handlers[id]
	return fn, ok
}
