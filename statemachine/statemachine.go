// Package statemachine validates status transitions for entities whose
// lifecycle is declared in the DSL. It is pure: no storage, no clock, no
// side effects. Callers load the current row, propose an update, and ask
// whether the transition is allowed.
package statemachine

import (
	"fmt"
	"sort"
	"strings"
)

// Wildcard is the source-state marker matching any current state.
const Wildcard = "*"

// GuardKind identifies the kind of guard attached to a transition.
type GuardKind string

const (
	// GuardRequiresField requires a named field to be present and non-empty.
	GuardRequiresField GuardKind = "requires"
	// GuardRequiresRole requires the acting user to hold a named role.
	GuardRequiresRole GuardKind = "role"
)

// Guard is a single condition on a transition. All guards on a matched
// transition must pass (conjunction).
type Guard struct {
	Kind  GuardKind
	Value string
}

// RequiresField returns a guard that fails when data[name] is nil or an
// empty string.
func RequiresField(name string) Guard {
	return Guard{Kind: GuardRequiresField, Value: name}
}

// RequiresRole returns a guard that fails when the acting user does not
// hold the named role.
func RequiresRole(name string) Guard {
	return Guard{Kind: GuardRequiresRole, Value: name}
}

// Transition declares one allowed edge in the state machine.
// From may be Wildcard to match any source state.
type Transition struct {
	From   string
	To     string
	Guards []Guard
}

// Spec is the state machine declared for one entity. Immutable at runtime.
type Spec struct {
	// StatusField is the entity column holding the state.
	StatusField string
	// States is the declared state set.
	States []string
	// Transitions are the allowed edges.
	Transitions []Transition
}

// Result is the outcome of a transition validation.
type Result struct {
	Valid bool
	// Transition is the matched transition when Valid is true and the
	// transition was not a same-state no-op.
	Transition *Transition
	// Err holds the typed validation error when Valid is false.
	Err error
}

// InvalidTransitionError reports a (from, to) pair with no declared edge.
type InvalidTransitionError struct {
	From          string
	To            string
	AllowedStates []string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %q -> %q (allowed from %q: %s)",
		e.From, e.To, e.From, strings.Join(e.AllowedStates, ", "))
}

// GuardNotSatisfiedError reports a matched transition whose guard failed.
type GuardNotSatisfiedError struct {
	Kind  GuardKind
	Value string
}

func (e *GuardNotSatisfiedError) Error() string {
	switch e.Kind {
	case GuardRequiresRole:
		return fmt.Sprintf("transition requires role %q", e.Value)
	default:
		return fmt.Sprintf("transition requires field %q to be set", e.Value)
	}
}

// ValidateTransition checks whether fromState -> toState is allowed under
// the spec, evaluating guards against data and userRoles.
//
// A same-state transition is always valid (no-op). A transition matches if
// (from, to) is declared or ("*", to) is declared; exact matches take
// precedence over wildcard ones.
func (s *Spec) ValidateTransition(fromState, toState string, data map[string]any, userRoles []string) Result {
	if fromState == toState {
		return Result{Valid: true}
	}

	tr := s.match(fromState, toState)
	if tr == nil {
		return Result{
			Valid: false,
			Err: &InvalidTransitionError{
				From:          fromState,
				To:            toState,
				AllowedStates: s.AllowedTargets(fromState),
			},
		}
	}

	for _, g := range tr.Guards {
		if err := evalGuard(g, data, userRoles); err != nil {
			return Result{Valid: false, Transition: tr, Err: err}
		}
	}

	return Result{Valid: true, Transition: tr}
}

// match finds the declared transition for (from, to), preferring an exact
// source match over a wildcard one.
func (s *Spec) match(from, to string) *Transition {
	var wild *Transition
	for i := range s.Transitions {
		tr := &s.Transitions[i]
		if tr.To != to {
			continue
		}
		if tr.From == from {
			return tr
		}
		if tr.From == Wildcard && wild == nil {
			wild = tr
		}
	}
	return wild
}

func evalGuard(g Guard, data map[string]any, userRoles []string) error {
	switch g.Kind {
	case GuardRequiresField:
		v, ok := data[g.Value]
		if !ok || v == nil {
			return &GuardNotSatisfiedError{Kind: GuardRequiresField, Value: g.Value}
		}
		if str, isStr := v.(string); isStr && str == "" {
			return &GuardNotSatisfiedError{Kind: GuardRequiresField, Value: g.Value}
		}
		return nil
	case GuardRequiresRole:
		for _, r := range userRoles {
			if r == g.Value {
				return nil
			}
		}
		return &GuardNotSatisfiedError{Kind: GuardRequiresRole, Value: g.Value}
	default:
		return fmt.Errorf("unknown guard kind %q", g.Kind)
	}
}

// AllowedTargets returns the sorted set of states reachable from the given
// state via declared transitions, including wildcard-source transitions.
// The state itself is not included even though a same-state transition is
// always permitted.
func (s *Spec) AllowedTargets(fromState string) []string {
	seen := make(map[string]bool)
	for _, tr := range s.Transitions {
		if tr.From == fromState || tr.From == Wildcard {
			if tr.To != fromState {
				seen[tr.To] = true
			}
		}
	}
	targets := make([]string, 0, len(seen))
	for t := range seen {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	return targets
}

// ValidateStatusUpdate validates an entity update against the spec.
//
// Returns a valid Result without further checks when spec is nil or the
// update does not touch the status field. The current value of the status
// field may be absent or nil, which is treated as an initial assignment
// from the empty state. Guards are evaluated against the merge of current
// and update data, with update values winning.
func ValidateStatusUpdate(spec *Spec, current, update map[string]any, userRoles []string) Result {
	if spec == nil || spec.StatusField == "" {
		return Result{Valid: true}
	}

	rawTo, touched := update[spec.StatusField]
	if !touched {
		return Result{Valid: true}
	}
	to := toStateString(rawTo)

	from := ""
	if current != nil {
		from = toStateString(current[spec.StatusField])
	}

	merged := make(map[string]any, len(current)+len(update))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range update {
		merged[k] = v
	}

	return spec.ValidateTransition(from, to, merged, userRoles)
}

func toStateString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
