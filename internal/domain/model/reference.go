package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RefKind identifies which slot family a Reference addresses.
type RefKind string

const (
	RefKindPoint          RefKind = "point"
	RefKindGlobalVariable RefKind = "global_variable"
)

func (k RefKind) String() string { return string(k) }

// Valid reports whether k is a known reference kind.
func (k RefKind) Valid() bool {
	return k == RefKindPoint || k == RefKindGlobalVariable
}

// Reference is a tagged (kind, id) pair that binds a loop field to either a
// field Point or an internal Global Variable.
type Reference struct {
	Kind RefKind `json:"kind" yaml:"kind"`
	ID   int64   `json:"id" yaml:"id"`
}

func PointRef(id int64) Reference  { return Reference{Kind: RefKindPoint, ID: id} }
func GlobalRef(id int64) Reference { return Reference{Kind: RefKindGlobalVariable, ID: id} }

func (r Reference) Valid() bool {
	return r.Kind.Valid() && r.ID > 0
}

func (r Reference) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

// ParseReference parses the "kind:id" form produced by String. The short
// aliases "gvar" and "gv" are accepted for global variables.
func ParseReference(s string) (Reference, error) {
	kind, idStr, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Reference{}, fmt.Errorf("invalid reference %q: expected kind:id", s)
	}

	var ref Reference
	switch strings.ToLower(kind) {
	case "point", "p":
		ref.Kind = RefKindPoint
	case "global_variable", "gvar", "gv":
		ref.Kind = RefKindGlobalVariable
	default:
		return Reference{}, fmt.Errorf("invalid reference %q: unknown kind %q", s, kind)
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		return Reference{}, fmt.Errorf("invalid reference %q: id must be a positive integer", s)
	}
	ref.ID = id
	return ref, nil
}

// Sample is a resolved value together with the time it was last written.
type Sample struct {
	Value     float64
	Timestamp time.Time
}
