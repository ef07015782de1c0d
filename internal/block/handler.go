// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package block

import (
	"fmt"
	"sort"

	"github.com/ManuGH/obsnet/internal/protocol"
)

// CommandHandler answers an authorized command request on an accepted
// connection. The returned reply is written immediately.
type CommandHandler interface {
	HandleCommand(c *Connection, req *protocol.Request) protocol.Reply
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(c *Connection, req *protocol.Request) protocol.Reply

func (f CommandHandlerFunc) HandleCommand(c *Connection, req *protocol.Request) protocol.Reply {
	return f(c, req)
}

// ValueHandler consumes a named value pushed on a dialed connection. It
// returns false when the name is not recognised.
type ValueHandler interface {
	HandleValue(c *Connection, req *protocol.Request) bool
}

// ValueHandlerFunc adapts a function to ValueHandler.
type ValueHandlerFunc func(c *Connection, req *protocol.Request) bool

func (f ValueHandlerFunc) HandleValue(c *Connection, req *protocol.Request) bool {
	return f(c, req)
}

// OK builds a success reply.
func OK(text string) protocol.Reply {
	if text == "" {
		text = protocol.StatusText(protocol.StatusOK)
	}
	return protocol.Reply{Status: protocol.StatusOK, Text: text}
}

// Fail builds an error reply with a formatted text.
func Fail(status int, format string, args ...any) protocol.Reply {
	return protocol.Reply{Status: status, Text: fmt.Sprintf(format, args...)}
}

// ParamError builds an invalid-parameters reply from a parse error.
func ParamError(err error) protocol.Reply {
	return protocol.Reply{Status: protocol.StatusInvalidParams, Text: err.Error()}
}

// CommandMux routes command requests by verb.
type CommandMux struct {
	routes map[string]CommandHandlerFunc
}

// NewCommandMux returns an empty mux.
func NewCommandMux() *CommandMux {
	return &CommandMux{routes: make(map[string]CommandHandlerFunc)}
}

// Handle registers fn for verb, replacing any previous registration.
func (m *CommandMux) Handle(verb string, fn CommandHandlerFunc) {
	m.routes[verb] = fn
}

// Verbs lists registered verbs in sorted order.
func (m *CommandMux) Verbs() []string {
	out := make([]string, 0, len(m.routes))
	for v := range m.routes {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// HandleCommand implements CommandHandler.
func (m *CommandMux) HandleCommand(c *Connection, req *protocol.Request) protocol.Reply {
	fn, ok := m.routes[req.Name]
	if !ok {
		return Fail(protocol.StatusUnknownCommand, "unknown command %q", req.Name)
	}
	return fn(c, req)
}

// ValueMux routes value pushes by name. Several handlers may share a name;
// they run in registration order.
type ValueMux struct {
	routes map[string][]ValueHandlerFunc
}

// NewValueMux returns an empty mux.
func NewValueMux() *ValueMux {
	return &ValueMux{routes: make(map[string][]ValueHandlerFunc)}
}

// Handle registers fn for values called name.
func (m *ValueMux) Handle(name string, fn ValueHandlerFunc) {
	m.routes[name] = append(m.routes[name], fn)
}

// HandleValue implements ValueHandler.
func (m *ValueMux) HandleValue(c *Connection, req *protocol.Request) bool {
	fns, ok := m.routes[req.Name]
	if !ok {
		return false
	}
	matched := false
	for _, fn := range fns {
		// each handler gets a fresh cursor
		r := &protocol.Request{Name: req.Name, Params: req.Params, Raw: req.Raw}
		if fn(c, r) {
			matched = true
		}
	}
	return matched
}
