// Package ids generates the prefixed, time-sortable identifiers used for
// calls, messages, charges and settlements.
package ids

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix is the type prefix of an identifier, e.g. "call" in "call_01h...".
type Prefix string

const (
	Call        Prefix = "call"
	Message     Prefix = "msg"
	Charge      Prefix = "chg"
	Settlement  Prefix = "stl"
	Reservation Prefix = "rsv"
	Connection  Prefix = "conn"
)

// New returns a fresh identifier with the given prefix.
// typeid only fails on an invalid prefix, which the constants above never are.
func New(p Prefix) string {
	tid, err := typeid.Generate(string(p))
	if err != nil {
		panic(fmt.Sprintf("ids: generating %q id: %v", p, err))
	}
	return tid.String()
}

// Parse validates s and returns its prefix.
func Parse(s string) (Prefix, error) {
	tid, err := typeid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parsing id %q: %w", s, err)
	}
	return Prefix(tid.Prefix()), nil
}

// Is reports whether s is a well-formed identifier carrying prefix p.
func Is(s string, p Prefix) bool {
	got, err := Parse(s)
	return err == nil && got == p
}
