package model

import "strconv"

// Key selects an entry either by name or by ordinal position.
type Key struct {
	name  string
	pos   int
	named bool
}

// Name selects an entry by name.
func Name(s string) Key { return Key{name: s, named: true} }

// Pos selects an entry by position.
func Pos(i int) Key { return Key{pos: i} }

// IsName reports whether the key was given as a name.
func (k Key) IsName() bool { return k.named }

// Position returns the ordinal of a positional key.
func (k Key) Position() int { return k.pos }

// String returns the key as it was given.
func (k Key) String() string {
	if k.named {
		return k.name
	}
	return strconv.Itoa(k.pos)
}
