// Package keys builds namespaced cache and storage keys. Keys are assembled
// from typed parts so entries from different tiers or backup components can
// never collide through ad hoc string concatenation.
package keys

import (
	"strconv"
	"strings"
)

// Separator joins key segments.
const Separator = ":"

// Namespace identifies the owner of a key.
type Namespace string

const (
	NamespaceShortTerm   Namespace = "shortterm"
	NamespaceMidTerm     Namespace = "midterm"
	NamespaceLongTerm    Namespace = "longterm"
	NamespaceSearch      Namespace = "search"
	NamespaceGeneration  Namespace = "generation"
	NamespaceBackup      Namespace = "backup"
	NamespaceCoordinator Namespace = "coordinator"
)

// Key is an immutable namespaced key.
type Key struct {
	ns    Namespace
	kind  string
	parts []string
}

// New creates a key for ns/kind with optional trailing parts.
func New(ns Namespace, kind string, parts ...string) Key {
	return Key{ns: ns, kind: kind, parts: append([]string(nil), parts...)}
}

// Chapter is shorthand for a key addressing one chapter.
func Chapter(ns Namespace, kind string, id int) Key {
	return New(ns, kind, strconv.Itoa(id))
}

// With returns a copy of k with more parts appended.
func (k Key) With(parts ...string) Key {
	out := Key{ns: k.ns, kind: k.kind, parts: make([]string, 0, len(k.parts)+len(parts))}
	out.parts = append(out.parts, k.parts...)
	out.parts = append(out.parts, parts...)
	return out
}

// Namespace returns the key's namespace.
func (k Key) Namespace() Namespace { return k.ns }

// String renders the key. Separator and escape characters inside segments
// are escaped, so distinct part lists always render distinctly.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(escape(string(k.ns)))
	b.WriteString(Separator)
	b.WriteString(escape(k.kind))
	for _, p := range k.parts {
		b.WriteString(Separator)
		b.WriteString(escape(p))
	}
	return b.String()
}

// Prefix renders the key followed by a separator, for prefix matching.
func (k Key) Prefix() string {
	return k.String() + Separator
}

var escaper = strings.NewReplacer(`\`, `\\`, Separator, `\`+Separator)

func escape(s string) string {
	return escaper.Replace(s)
}
