package watcher

import (
	"path/filepath"
	"strings"
)

// normalize returns the absolute, cleaned form of path. Two paths denote the
// same watched entity iff their normalized forms are equal.
func normalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// pathRegistry is the ordered list of roots the caller asked for. Duplicates
// are kept; registering a root twice is harmless.
type pathRegistry struct {
	roots []string
}

func (r *pathRegistry) add(path string) {
	r.roots = append(r.roots, path)
}

func (r *pathRegistry) all() []string {
	out := make([]string, len(r.roots))
	copy(out, r.roots)
	return out
}

// registrations is the live set of backend registrations, indexed both ways.
type registrations struct {
	byToken map[Token]string
	byDir   map[string]Token
}

func newRegistrations() registrations {
	return registrations{
		byToken: make(map[Token]string),
		byDir:   make(map[string]Token),
	}
}

// put records token for dir. It reports the directory token was previously
// bound to and the token dir was previously bound to, if any.
func (r registrations) put(token Token, dir string) (prevDir string, prevToken Token, replaced bool) {
	if d, ok := r.byToken[token]; ok {
		prevDir = d
		if d != dir {
			delete(r.byDir, d)
		}
	}
	if t, ok := r.byDir[dir]; ok {
		prevToken, replaced = t, true
		if t != token {
			delete(r.byToken, t)
		}
	}
	r.byToken[token] = dir
	r.byDir[dir] = token
	return prevDir, prevToken, replaced
}

func (r registrations) dir(token Token) (string, bool) {
	d, ok := r.byToken[token]
	return d, ok
}

func (r registrations) has(dir string) bool {
	_, ok := r.byDir[dir]
	return ok
}

// dropTree removes dir and every registration below it, returning the tokens
// removed.
func (r registrations) dropTree(dir string) []Token {
	var dropped []Token
	prefix := dir + string(filepath.Separator)
	for d, t := range r.byDir {
		if d == dir || strings.HasPrefix(d, prefix) {
			delete(r.byDir, d)
			delete(r.byToken, t)
			dropped = append(dropped, t)
		}
	}
	return dropped
}

func (r registrations) tokens() []Token {
	out := make([]Token, 0, len(r.byToken))
	for t := range r.byToken {
		out = append(out, t)
	}
	return out
}

func (r registrations) clear() {
	clear(r.byToken)
	clear(r.byDir)
}

func (r registrations) dirs() []string {
	out := make([]string, 0, len(r.byDir))
	for d := range r.byDir {
		out = append(out, d)
	}
	return out
}
