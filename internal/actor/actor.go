// Package actor defines the identity recorded wherever a human, an agent or
// the system itself acts on an execution: approvals, reviews, pauses and
// handoffs.
package actor

import (
	"encoding/json"
	"fmt"
	"strings"

	"ralphd/internal/jsonutil"
)

// Kind distinguishes the variants of Actor.
type Kind int

const (
	KindSystem Kind = iota
	KindHuman
	KindAgent
)

// String returns the kind label used in storage and logs.
func (k Kind) String() string {
	switch k {
	case KindHuman:
		return "human"
	case KindAgent:
		return "agent"
	default:
		return "system"
	}
}

// ParseKind parses a kind label.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "human":
		return KindHuman, nil
	case "agent":
		return KindAgent, nil
	case "system":
		return KindSystem, nil
	}
	return KindSystem, jsonutil.ParseEnumError("actor kind", s)
}

// Actor is Human(id) | Agent(id) | System. The zero value is System.
type Actor struct {
	kind Kind
	id   string
}

// Human returns a human actor.
func Human(id string) Actor { return Actor{kind: KindHuman, id: id} }

// Agent returns an agent actor.
func Agent(id string) Actor { return Actor{kind: KindAgent, id: id} }

// System returns the system actor.
func System() Actor { return Actor{kind: KindSystem} }

// Kind reports which variant a is.
func (a Actor) Kind() Kind { return a.kind }

// ID returns the actor identifier; empty for System.
func (a Actor) ID() string { return a.id }

// IsHuman reports whether a is a human actor.
func (a Actor) IsHuman() bool { return a.kind == KindHuman }

// String renders a as "human:alice", "agent:builder" or "system".
func (a Actor) String() string {
	if a.kind == KindSystem {
		return "system"
	}
	return a.kind.String() + ":" + a.id
}

// Parse is the inverse of String.
func Parse(s string) (Actor, error) {
	if s == "system" || s == "" {
		return System(), nil
	}
	kindStr, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Actor{}, fmt.Errorf("invalid actor %q: want kind:id", s)
	}
	kind, err := ParseKind(kindStr)
	if err != nil {
		return Actor{}, err
	}
	if kind == KindSystem {
		return System(), nil
	}
	return Actor{kind: kind, id: id}, nil
}

// MustParse is Parse for literals; it panics on malformed input.
func MustParse(s string) Actor {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// MarshalJSON implements json.Marshaler.
func (a Actor) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Actor) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler so actors work as YAML
// scalars and map keys.
func (a Actor) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Actor) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
