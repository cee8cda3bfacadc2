package history

import (
	"fmt"

	"github.com/google/uuid"
)

// ImageState is a snapshot of an image at one point in its edit history.
// It is a value type; transitions create a new ImageState.
type ImageState struct {
	Path   string `json:"path"`
	Effect string `json:"effect,omitempty"` // empty for an unprocessed image
}

// IsZero reports whether no image is loaded.
func (s ImageState) IsZero() bool { return s.Path == "" }

func (s ImageState) String() string {
	if s.Effect == "" {
		return s.Path
	}
	return fmt.Sprintf("%s (%s)", s.Path, s.Effect)
}

// Kind enumerates command variants held by a Stack.
type Kind string

const (
	KindEffect Kind = "effect"
)

// Command is a data-only history entry. Executable behavior lives in the
// Stack and its Executor, never on the command itself.
type Command interface {
	Kind() Kind
	Label() string
}

// EffectCommand records one effect application.
//
// NewState is nil until the first successful execution and is written at
// most once. Err holds the most recent failure, cleared on success.
type EffectCommand struct {
	ID       uuid.UUID   `json:"id"`
	Effect   string      `json:"effect"`
	OldState ImageState  `json:"old_state"`
	NewState *ImageState `json:"new_state,omitempty"`
	Err      error       `json:"-"`
}

// NewEffectCommand creates a command applying effect to the image in old.
func NewEffectCommand(effect string, old ImageState) *EffectCommand {
	return &EffectCommand{
		ID:       uuid.New(),
		Effect:   effect,
		OldState: old,
	}
}

func (c *EffectCommand) Kind() Kind { return KindEffect }

// Label mirrors the menu text of an undo action.
func (c *EffectCommand) Label() string { return "Apply " + c.Effect }

// Executed reports whether the command has a cached result.
func (c *EffectCommand) Executed() bool { return c.NewState != nil }

// Failed reports whether the last execution attempt failed.
func (c *EffectCommand) Failed() bool { return c.Err != nil && c.NewState == nil }
