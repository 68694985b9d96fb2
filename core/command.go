package core

import (
	"errors"
	"sync"

	"stringdriver/protocol"
)

// CommandHandler is a function that handles one opcode.
// The handler is responsible for decoding its own arguments.
type CommandHandler func(args *[][]byte) error

// Command represents a registered controller command
type Command struct {
	Opcode  protocol.Opcode
	Format  string // Argument layout, e.g. "axis=%h target=%i"
	Handler CommandHandler
}

// CommandRegistry maps opcodes to handlers
type CommandRegistry struct {
	mu       sync.RWMutex
	commands map[protocol.Opcode]*Command
}

// NewCommandRegistry creates a new command registry
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		commands: make(map[protocol.Opcode]*Command),
	}
}

// Register adds or replaces the handler for an opcode
func (r *CommandRegistry) Register(op protocol.Opcode, format string, handler CommandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.commands[op] = &Command{
		Opcode:  op,
		Format:  format,
		Handler: handler,
	}
}

// GetCommand retrieves a command by opcode
func (r *CommandRegistry) GetCommand(op protocol.Opcode) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[op]
	return cmd, ok
}

// Count returns the number of registered commands
func (r *CommandRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}

// Dispatch calls the appropriate command handler
func (r *CommandRegistry) Dispatch(op protocol.Opcode, args *[][]byte) error {
	cmd, ok := r.GetCommand(op)
	if !ok || cmd.Handler == nil {
		return errors.New("unknown opcode: " + itoa(int(op)))
	}

	return cmd.Handler(args)
}
