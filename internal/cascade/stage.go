// Package cascade drives the dependent load chain of the console:
// shops feed devices, a device feeds its detail, tasks, maps and
// schedules, and a map feeds its return points.
//
// Every stage load is dispatched through a fence so that a response that
// belongs to a superseded selection is dropped on arrival.
package cascade

import (
	"context"
	"strings"

	"fleet-console/internal/state"
)

// rootScope is the scope of stages without prerequisites.
const rootScope = "all"

// LoadFunc fetches the data of a stage for sel.
type LoadFunc func(ctx context.Context, sel state.Selection) (any, error)

// Stage describes one node of the cascade.
type Stage struct {
	ID state.StageID
	// Owns is the selection field derived from the stage's data after
	// each successful load. Empty for stages that only display data.
	Owns state.Field
	// Requires lists the selection fields the load depends on.
	Requires []state.Field
	Load     LoadFunc
	// IDs lists the selectable identities in the stage's data, in order.
	// Required when Owns is set.
	IDs func(data any) []string
	// Prefer names the identity to pick when the owned field is empty,
	// e.g. a restored selection. It is used only if the loaded list has it.
	// Optional; called on the loop.
	Prefer func() string
}

// Scope returns the parameters of a load for sel, e.g. "shop:A,device:SN1".
// ok is false when a prerequisite is not selected.
func (s *Stage) Scope(sel state.Selection) (scope string, ok bool) {
	if len(s.Requires) == 0 {
		return rootScope, true
	}
	parts := make([]string, 0, len(s.Requires))
	for _, f := range s.Requires {
		v := sel.Get(f)
		if v == "" {
			return "", false
		}
		parts = append(parts, string(f)+":"+v)
	}
	return strings.Join(parts, ","), true
}

// fallback returns the identity to select after a list load: current if it
// is still listed, else the first listed identity, else empty.
func fallback(current string, ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	for _, id := range ids {
		if id == current {
			return current
		}
	}
	return ids[0]
}
