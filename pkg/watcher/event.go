package watcher

import (
	"fmt"
	"strings"
)

// Kind is the normalized change kind delivered to a Listener.
type Kind uint32

const (
	Created Kind = 1 << iota
	Modified
	Deleted

	AllKinds = Created | Modified | Deleted
)

func (k Kind) String() string {
	var b strings.Builder
	if k.Has(Created) {
		b.WriteString("|CREATED")
	}
	if k.Has(Modified) {
		b.WriteString("|MODIFIED")
	}
	if k.Has(Deleted) {
		b.WriteString("|DELETED")
	}
	if b.Len() == 0 {
		return "[no events]"
	}
	return b.String()[1:]
}

func (k Kind) Has(h Kind) bool { return h != 0 && k&h == h }

// Event is a change resolved to an absolute path.
type Event struct {
	Kind  Kind
	Path  string
	IsDir bool
}

func (e Event) Has(k Kind) bool { return e.Kind.Has(k) }

func (e Event) String() string {
	t := "file"
	if e.IsDir {
		t = "dir"
	}
	return fmt.Sprintf("%-9s %-4s %q", e.Kind.String(), t, e.Path)
}

// RawEvent is a backend notification relative to a registered directory.
type RawEvent struct {
	Kind Kind
	Name string
}

// Batch is the unit returned by Backend.TakeNextBatch. All events belong to
// the registration identified by Token and are in backend order.
type Batch struct {
	Token  Token
	Events []RawEvent
}
