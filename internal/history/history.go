// Package history provides linear undo/redo over reversible commands.
// Producers (toolbar actions, keyboard shortcuts, batch tools) all
// construct commands and call Execute; the history has no knowledge of
// which producer issued one.
package history

import (
	"context"
	"fmt"
	"sync"
)

// Command is a reversible unit of user action. Revert must restore exactly
// the fields Apply changed and nothing else, so an undo cannot clobber
// concurrent unrelated edits from other sessions.
type Command interface {
	Name() string
	Apply(ctx context.Context) error
	Revert(ctx context.Context) error
}

type History struct {
	mu   sync.Mutex
	undo []Command
	redo []Command
}

func New() *History {
	return &History{}
}

// Execute runs the command and pushes it onto the undo stack. Any new
// command clears the redo stack: the history is linear, no branching.
func (h *History) Execute(ctx context.Context, cmd Command) error {
	if err := cmd.Apply(ctx); err != nil {
		return fmt.Errorf("execute %s: %w", cmd.Name(), err)
	}
	h.mu.Lock()
	h.undo = append(h.undo, cmd)
	h.redo = h.redo[:0]
	h.mu.Unlock()
	return nil
}

// Undo reverts the most recent command. A failed revert leaves the command
// on the undo stack so the user can retry once the failure clears.
func (h *History) Undo(ctx context.Context) error {
	h.mu.Lock()
	if len(h.undo) == 0 {
		h.mu.Unlock()
		return nil
	}
	cmd := h.undo[len(h.undo)-1]
	h.mu.Unlock()

	if err := cmd.Revert(ctx); err != nil {
		return fmt.Errorf("undo %s: %w", cmd.Name(), err)
	}

	h.mu.Lock()
	h.undo = h.undo[:len(h.undo)-1]
	h.redo = append(h.redo, cmd)
	h.mu.Unlock()
	return nil
}

// Redo re-applies the most recently undone command.
func (h *History) Redo(ctx context.Context) error {
	h.mu.Lock()
	if len(h.redo) == 0 {
		h.mu.Unlock()
		return nil
	}
	cmd := h.redo[len(h.redo)-1]
	h.mu.Unlock()

	if err := cmd.Apply(ctx); err != nil {
		return fmt.Errorf("redo %s: %w", cmd.Name(), err)
	}

	h.mu.Lock()
	h.redo = h.redo[:len(h.redo)-1]
	h.undo = append(h.undo, cmd)
	h.mu.Unlock()
	return nil
}

func (h *History) CanUndo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.undo) > 0
}

func (h *History) CanRedo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.redo) > 0
}
