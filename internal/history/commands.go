package history

import (
	"context"
	"errors"

	"easel/engine/internal/store"
)

// Mutator is the mutation surface commands run against, implemented by the
// engine session so every command flows through optimistic apply and the
// operation queue.
type Mutator interface {
	UpdateObject(ctx context.Context, objectID string, patch map[string]any) error
	CreateObject(ctx context.Context, obj store.Object) error
	DeleteObject(ctx context.Context, objectID string) error
}

// PatchCommand captures before/after values for exactly the fields it
// changes, which makes its undo precise under concurrent remote edits.
type PatchCommand struct {
	name     string
	mutator  Mutator
	objectID string
	before   map[string]any
	after    map[string]any
}

func (c *PatchCommand) Name() string { return c.name }

func (c *PatchCommand) Apply(ctx context.Context) error {
	return c.mutator.UpdateObject(ctx, c.objectID, c.after)
}

func (c *PatchCommand) Revert(ctx context.Context) error {
	return c.mutator.UpdateObject(ctx, c.objectID, c.before)
}

func NewMove(m Mutator, obj store.Object, toX, toY float64) *PatchCommand {
	return &PatchCommand{
		name:     "move",
		mutator:  m,
		objectID: obj.ID,
		before:   map[string]any{"x": obj.X, "y": obj.Y},
		after:    map[string]any{"x": toX, "y": toY},
	}
}

func NewResize(m Mutator, obj store.Object, width, height float64) *PatchCommand {
	return &PatchCommand{
		name:     "resize",
		mutator:  m,
		objectID: obj.ID,
		before:   map[string]any{"width": obj.Width, "height": obj.Height},
		after:    map[string]any{"width": width, "height": height},
	}
}

func NewRotate(m Mutator, obj store.Object, rotation float64) *PatchCommand {
	return &PatchCommand{
		name:     "rotate",
		mutator:  m,
		objectID: obj.ID,
		before:   map[string]any{"rotation": obj.Rotation},
		after:    map[string]any{"rotation": rotation},
	}
}

// NewStyle builds a style-change command over an arbitrary subset of the
// visual fields. Only keys present in the patch are captured for undo.
func NewStyle(m Mutator, obj store.Object, patch map[string]any) (*PatchCommand, error) {
	if len(patch) == 0 {
		return nil, errors.New("empty style patch")
	}
	before := make(map[string]any, len(patch))
	for field := range patch {
		switch field {
		case "fill":
			before[field] = obj.Fill
		case "stroke":
			before[field] = obj.Stroke
		case "opacity":
			before[field] = obj.Opacity
		case "zIndex":
			before[field] = obj.ZIndex
		case "typeProperties":
			before[field] = obj.TypeProperties
		default:
			return nil, errors.New("style patch may not touch field " + field)
		}
	}
	return &PatchCommand{
		name:     "style",
		mutator:  m,
		objectID: obj.ID,
		before:   before,
		after:    patch,
	}, nil
}

// NewPatch builds a command over an arbitrary mix of geometry and style
// fields, capturing before-values for exactly the patched keys.
func NewPatch(m Mutator, name string, obj store.Object, patch map[string]any) (*PatchCommand, error) {
	if len(patch) == 0 {
		return nil, errors.New("empty patch")
	}
	before := make(map[string]any, len(patch))
	for field := range patch {
		switch field {
		case "x":
			before[field] = obj.X
		case "y":
			before[field] = obj.Y
		case "width":
			before[field] = obj.Width
		case "height":
			before[field] = obj.Height
		case "rotation":
			before[field] = obj.Rotation
		case "fill":
			before[field] = obj.Fill
		case "stroke":
			before[field] = obj.Stroke
		case "opacity":
			before[field] = obj.Opacity
		case "zIndex":
			before[field] = obj.ZIndex
		case "typeProperties":
			before[field] = obj.TypeProperties
		default:
			return nil, errors.New("patch may not touch field " + field)
		}
	}
	return &PatchCommand{
		name:     name,
		mutator:  m,
		objectID: obj.ID,
		before:   before,
		after:    patch,
	}, nil
}

// CreateCommand adds an object; undo removes it.
type CreateCommand struct {
	mutator Mutator
	obj     store.Object
}

func NewCreate(m Mutator, obj store.Object) *CreateCommand {
	return &CreateCommand{mutator: m, obj: obj}
}

func (c *CreateCommand) Name() string { return "create" }

func (c *CreateCommand) Apply(ctx context.Context) error {
	return c.mutator.CreateObject(ctx, c.obj)
}

func (c *CreateCommand) Revert(ctx context.Context) error {
	return c.mutator.DeleteObject(ctx, c.obj.ID)
}

// DeleteCommand removes an object; the full snapshot captured at
// construction makes undo an exact re-create.
type DeleteCommand struct {
	mutator Mutator
	obj     store.Object
}

func NewDelete(m Mutator, obj store.Object) *DeleteCommand {
	return &DeleteCommand{mutator: m, obj: obj}
}

func (c *DeleteCommand) Name() string { return "delete" }

func (c *DeleteCommand) Apply(ctx context.Context) error {
	return c.mutator.DeleteObject(ctx, c.obj.ID)
}

func (c *DeleteCommand) Revert(ctx context.Context) error {
	return c.mutator.CreateObject(ctx, c.obj)
}

// DuplicateCommand copies objects with IDs fixed at construction time, so
// redo after undo recreates the same objects instead of minting new ones.
type DuplicateCommand struct {
	mutator Mutator
	copies  []store.Object
}

func NewDuplicate(m Mutator, copies []store.Object) *DuplicateCommand {
	return &DuplicateCommand{mutator: m, copies: copies}
}

func (c *DuplicateCommand) Name() string { return "duplicate" }

func (c *DuplicateCommand) Apply(ctx context.Context) error {
	var errs []error
	for _, obj := range c.copies {
		if err := c.mutator.CreateObject(ctx, obj); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *DuplicateCommand) Revert(ctx context.Context) error {
	var errs []error
	for _, obj := range c.copies {
		if err := c.mutator.DeleteObject(ctx, obj.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LayoutCommand repositions a group of objects in one step (align,
// distribute). Per-object failures do not abort the rest of the group.
type LayoutCommand struct {
	name    string
	mutator Mutator
	moves   []layoutMove
}

type layoutMove struct {
	objectID string
	before   map[string]any
	after    map[string]any
}

func NewLayout(m Mutator, name string, objects []store.Object, targets []struct{ X, Y float64 }) *LayoutCommand {
	moves := make([]layoutMove, 0, len(objects))
	for i, obj := range objects {
		if i >= len(targets) {
			break
		}
		moves = append(moves, layoutMove{
			objectID: obj.ID,
			before:   map[string]any{"x": obj.X, "y": obj.Y},
			after:    map[string]any{"x": targets[i].X, "y": targets[i].Y},
		})
	}
	return &LayoutCommand{name: name, mutator: m, moves: moves}
}

func (c *LayoutCommand) Name() string { return c.name }

func (c *LayoutCommand) Apply(ctx context.Context) error {
	var errs []error
	for _, mv := range c.moves {
		if err := c.mutator.UpdateObject(ctx, mv.objectID, mv.after); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *LayoutCommand) Revert(ctx context.Context) error {
	var errs []error
	for _, mv := range c.moves {
		if err := c.mutator.UpdateObject(ctx, mv.objectID, mv.before); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
