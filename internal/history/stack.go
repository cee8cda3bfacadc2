package history

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrCommandFailed is returned by Redo when the redo policy forbids
// re-running a command whose previous execution failed.
var ErrCommandFailed = errors.New("command previously failed")

// RedoPolicy controls what Redo does with a command that has no cached
// result because its last execution failed.
type RedoPolicy int

const (
	// RedoRetry re-runs processing, exactly as on first application.
	RedoRetry RedoPolicy = iota
	// RedoFail keeps the command failed; Redo advances without processing.
	RedoFail
)

// ParseRedoPolicy maps a config value to a RedoPolicy.
func ParseRedoPolicy(s string) (RedoPolicy, error) {
	switch s {
	case "", "retry":
		return RedoRetry, nil
	case "fail":
		return RedoFail, nil
	default:
		return RedoRetry, fmt.Errorf("unknown redo policy %q (want retry|fail)", s)
	}
}

func (p RedoPolicy) String() string {
	if p == RedoFail {
		return "fail"
	}
	return "retry"
}

// Executor performs the side effects of history navigation. The stack
// never knows whether Apply completes synchronously or in the background;
// it only observes the results recorded through Resolve and Fail.
type Executor interface {
	// Apply starts processing for a command that has no cached result.
	Apply(cmd *EffectCommand) error
	// Show makes state the displayed image.
	Show(state ImageState)
}

// Stack manages the command history for undo/redo.
//
// The cursor works as follows:
//   - -1 means the base state (nothing to undo)
//   - 0 to len(commands)-1 points to the last applied command
//   - Undo reverts commands[cursor] and decrements
//   - Redo increments and re-applies commands[cursor]
//
// Pushing after an undo discards every command after the cursor.
type Stack struct {
	mu       sync.Mutex
	commands []Command
	cursor   int
	exec     Executor
	policy   RedoPolicy
}

// NewStack creates an empty history that drives exec.
func NewStack(exec Executor, policy RedoPolicy) *Stack {
	return &Stack{
		commands: make([]Command, 0),
		cursor:   -1,
		exec:     exec,
		policy:   policy,
	}
}

// Push truncates the redo suffix, appends cmd and executes it.
func (s *Stack) Push(cmd Command) error {
	s.mu.Lock()
	s.commands = s.commands[:s.cursor+1]
	s.commands = append(s.commands, cmd)
	s.cursor = len(s.commands) - 1
	s.mu.Unlock()

	return s.forward(cmd, false)
}

// Undo reverts the command at the cursor. It is a no-op at the base state.
func (s *Stack) Undo() error {
	s.mu.Lock()
	if s.cursor < 0 {
		s.mu.Unlock()
		return nil
	}
	cmd := s.commands[s.cursor]
	s.cursor--
	s.mu.Unlock()

	switch c := cmd.(type) {
	case *EffectCommand:
		if c.OldState.IsZero() {
			return nil
		}
		s.exec.Show(c.OldState)
	}
	return nil
}

// Redo re-applies the next command. It is a no-op at the end of history.
func (s *Stack) Redo() error {
	s.mu.Lock()
	if s.cursor >= len(s.commands)-1 {
		s.mu.Unlock()
		return nil
	}
	s.cursor++
	cmd := s.commands[s.cursor]
	s.mu.Unlock()

	return s.forward(cmd, true)
}

func (s *Stack) forward(cmd Command, redo bool) error {
	c, ok := cmd.(*EffectCommand)
	if !ok || c.OldState.IsZero() {
		return nil
	}

	s.mu.Lock()
	cached := c.NewState
	failed := c.Err != nil
	s.mu.Unlock()

	if cached != nil {
		s.exec.Show(*cached)
		return nil
	}
	if redo && failed && s.policy == RedoFail {
		return fmt.Errorf("redo %s: %w", c.Label(), ErrCommandFailed)
	}
	return s.exec.Apply(c)
}

// Resolve records the result of a command's successful execution. Later
// calls for the same command are ignored until Invalidate drops the result. It reports whether the
// result was recorded.
func (s *Stack) Resolve(id uuid.UUID, state ImageState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.find(id)
	if c == nil || c.NewState != nil {
		return false
	}
	st := state
	c.NewState = &st
	c.Err = nil
	return true
}

// Fail records a failed execution attempt.
func (s *Stack) Fail(id uuid.UUID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.find(id); c != nil && c.NewState == nil {
		c.Err = err
	}
}

// Invalidate drops cached results stored at path by commands other than
// keep. A later redo of such a command runs the engine again instead of
// showing a file that has since been overwritten. It returns how many
// results were dropped.
func (s *Stack) Invalidate(path string, keep uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, cmd := range s.commands {
		c, ok := cmd.(*EffectCommand)
		if !ok || c.ID == keep || c.NewState == nil || c.NewState.Path != path {
			continue
		}
		c.NewState = nil
		n++
	}
	return n
}

func (s *Stack) find(id uuid.UUID) *EffectCommand {
	for _, cmd := range s.commands {
		if c, ok := cmd.(*EffectCommand); ok && c.ID == id {
			return c
		}
	}
	return nil
}

// CanUndo returns true if there are commands to undo.
func (s *Stack) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor >= 0
}

// CanRedo returns true if there are commands to redo.
func (s *Stack) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor < len(s.commands)-1
}

// Len returns the number of commands on the history, undone ones included.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commands)
}

// Cursor returns the index of the last applied command, -1 at the base state.
func (s *Stack) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Entries returns a copy of the effect commands on the history.
func (s *Stack) Entries() []EffectCommand {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]EffectCommand, 0, len(s.commands))
	for _, cmd := range s.commands {
		if c, ok := cmd.(*EffectCommand); ok {
			cp := *c
			if c.NewState != nil {
				st := *c.NewState
				cp.NewState = &st
			}
			out = append(out, cp)
		}
	}
	return out
}

// Clear resets the history to empty.
func (s *Stack) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = s.commands[:0]
	s.cursor = -1
}
