package model

import (
	"encoding/json"
	"fmt"
)

// Resolution is either Unresolved or Resolved(outcome). The zero value is
// Unresolved; the only way to build a resolved value is ResolvedTo.
type Resolution struct {
	winner Outcome
	set    bool
}

// Unresolved returns the empty resolution.
func Unresolved() Resolution { return Resolution{} }

// ResolvedTo returns a resolution naming o as the winner.
func ResolvedTo(o Outcome) Resolution { return Resolution{winner: o, set: true} }

// Winner returns the winning outcome and whether one has been recorded.
func (r Resolution) Winner() (Outcome, bool) {
	return r.winner, r.set
}

// IsResolved reports whether a winner is recorded.
func (r Resolution) IsResolved() bool { return r.set }

func (r Resolution) String() string {
	if !r.set {
		return "unresolved"
	}
	return string(r.winner)
}

// MarshalJSON encodes Unresolved as null and Resolved(o) as the outcome string.
func (r Resolution) MarshalJSON() ([]byte, error) {
	if !r.set {
		return []byte("null"), nil
	}
	return json.Marshal(string(r.winner))
}

// UnmarshalJSON accepts null or a valid outcome string.
func (r *Resolution) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = Unresolved()
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("winning_outcome: %w", err)
	}
	o, err := ParseOutcome(s)
	if err != nil {
		return fmt.Errorf("winning_outcome: %w", err)
	}
	*r = ResolvedTo(o)
	return nil
}

// NullString converts r to a nullable column value.
func (r Resolution) NullString() *string {
	if !r.set {
		return nil
	}
	s := string(r.winner)
	return &s
}

// ResolutionFromNullString is the inverse of NullString.
func ResolutionFromNullString(s *string) (Resolution, error) {
	if s == nil {
		return Unresolved(), nil
	}
	o, err := ParseOutcome(*s)
	if err != nil {
		return Resolution{}, err
	}
	return ResolvedTo(o), nil
}
