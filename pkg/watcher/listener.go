package watcher

import "errors"

// Listener receives normalized events from a Session. Calls are made one at a
// time from the session's monitor goroutine, in backend order. A callback must
// not call Stop or Close on the session that invoked it.
type Listener interface {
	Created(path string, isDir bool) error
	Modified(path string, isDir bool) error
	Deleted(path string, isDir bool) error
}

// ListenerAdapter implements Listener with no-ops; embed it to override only
// the callbacks you need.
type ListenerAdapter struct{}

func (ListenerAdapter) Created(string, bool) error  { return nil }
func (ListenerAdapter) Modified(string, bool) error { return nil }
func (ListenerAdapter) Deleted(string, bool) error  { return nil }

// HookFunc adapts a single function to Listener.
type HookFunc func(e Event) error

func (h HookFunc) Created(path string, isDir bool) error {
	return h(Event{Kind: Created, Path: path, IsDir: isDir})
}

func (h HookFunc) Modified(path string, isDir bool) error {
	return h(Event{Kind: Modified, Path: path, IsDir: isDir})
}

func (h HookFunc) Deleted(path string, isDir bool) error {
	return h(Event{Kind: Deleted, Path: path, IsDir: isDir})
}

// Listeners fans every callback out to ls in order. All listeners are called
// even if one fails; the failures are joined.
func Listeners(ls ...Listener) Listener {
	return multiListener(ls)
}

type multiListener []Listener

func (m multiListener) Created(path string, isDir bool) error {
	var errs []error
	for _, l := range m {
		errs = append(errs, l.Created(path, isDir))
	}
	return errors.Join(errs...)
}

func (m multiListener) Modified(path string, isDir bool) error {
	var errs []error
	for _, l := range m {
		errs = append(errs, l.Modified(path, isDir))
	}
	return errors.Join(errs...)
}

func (m multiListener) Deleted(path string, isDir bool) error {
	var errs []error
	for _, l := range m {
		errs = append(errs, l.Deleted(path, isDir))
	}
	return errors.Join(errs...)
}

// Dispatch routes e to the matching callback of l.
func Dispatch(l Listener, e Event) error {
	switch e.Kind {
	case Created:
		return l.Created(e.Path, e.IsDir)
	case Modified:
		return l.Modified(e.Path, e.IsDir)
	case Deleted:
		return l.Deleted(e.Path, e.IsDir)
	}
	return nil
}
