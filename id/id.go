// Package id defines the TypeID-based identifier shared by every tenantflow
// entity. The prefix names the entity kind ("inst_01h...", "step_01h...")
// so identifiers are self-describing in logs, URLs and database rows.
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a TypeID.
type Prefix string

const (
	PrefixTemplate   Prefix = "tpl"
	PrefixInstance   Prefix = "inst"
	PrefixStep       Prefix = "step"
	PrefixCheckpoint Prefix = "ckpt"
	PrefixActor      Prefix = "actor"
	PrefixEvent      Prefix = "evt"
	PrefixWorker     Prefix = "wkr"
)

// ID is a prefix-qualified, sortable, URL-safe identifier.
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates an ID with the given prefix. An invalid prefix is a
// programming error and panics.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return ID{inner: tid, valid: true}
}

// Parse parses any TypeID string.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses s and requires the given prefix.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}
	return parsed, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}
	return parsed
}

// ──────────────────────────────────────────────────
// Entity aliases
// ──────────────────────────────────────────────────

type (
	TemplateID   = ID
	InstanceID   = ID
	StepID       = ID
	CheckpointID = ID
	ActorID      = ID
	EventID      = ID
	WorkerID     = ID
)

func NewTemplateID() ID   { return New(PrefixTemplate) }
func NewInstanceID() ID   { return New(PrefixInstance) }
func NewStepID() ID       { return New(PrefixStep) }
func NewCheckpointID() ID { return New(PrefixCheckpoint) }
func NewActorID() ID      { return New(PrefixActor) }
func NewEventID() ID      { return New(PrefixEvent) }
func NewWorkerID() ID     { return New(PrefixWorker) }

func ParseTemplateID(s string) (ID, error) { return ParseWithPrefix(s, PrefixTemplate) }
func ParseInstanceID(s string) (ID, error) { return ParseWithPrefix(s, PrefixInstance) }
func ParseStepID(s string) (ID, error)     { return ParseWithPrefix(s, PrefixStep) }
func ParseActorID(s string) (ID, error)    { return ParseWithPrefix(s, PrefixActor) }

// ──────────────────────────────────────────────────
// ID methods
// ──────────────────────────────────────────────────

// String returns "prefix_suffix", or "" for Nil.
func (i ID) String() string {
	if !i.valid {
		return ""
	}
	return i.inner.String()
}

// Prefix returns the prefix component.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}
	return Prefix(i.inner.Prefix())
}

// IsNil reports whether this is the zero ID.
func (i ID) IsNil() bool { return !i.valid }

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}
	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Value implements driver.Valuer. Nil is stored as NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}
	return i.inner.String(), nil
}

// Scan implements sql.Scanner.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		return i.UnmarshalText([]byte(v))
	case []byte:
		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
