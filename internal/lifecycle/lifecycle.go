// Package lifecycle holds the authoritative transition table for records.
// Any (from, to, actor) triple not listed here is rejected; stages and
// transitions are a closed set.
package lifecycle

import (
	"errors"
	"fmt"

	"vaultline/internal/domain"
)

// ErrInvalidTransition marks a disallowed move. It is a logic error: callers
// surface it, they never retry it.
var ErrInvalidTransition = errors.New("invalid transition")

type pair struct {
	From domain.Stage
	To   domain.Stage
}

// table maps each allowed transition to the actors permitted to perform it.
var table = map[pair][]domain.Actor{
	{domain.StageIntake, domain.StageActionable}:          {domain.ActorDetector},
	{domain.StageActionable, domain.StageClaimed}:         {domain.ActorOrchestrator},
	{domain.StageClaimed, domain.StageAwaitingApproval}:   {domain.ActorOrchestrator},
	{domain.StageClaimed, domain.StageTerminal}:           {domain.ActorOrchestrator},
	{domain.StageClaimed, domain.StageActionable}:         {domain.ActorOrchestrator},
	{domain.StageAwaitingApproval, domain.StageApproved}:  {domain.ActorHuman},
	{domain.StageAwaitingApproval, domain.StageRejected}:  {domain.ActorHuman},
	{domain.StageApproved, domain.StageTerminal}:          {domain.ActorOrchestrator},
	{domain.StageApproved, domain.StageRejected}:          {domain.ActorOrchestrator},
	{domain.StageRejected, domain.StageTerminal}:          {domain.ActorOrchestrator},
}

// Check validates a proposed transition. Terminal is absorbing and rejected
// records are never re-opened; reopening means creating a new record that
// references the old one.
func Check(from, to domain.Stage, actor domain.Actor) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: unknown stage %s -> %s", ErrInvalidTransition, from, to)
	}
	actors, ok := table[pair{from, to}]
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	for _, a := range actors {
		if a == actor {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s not permitted for actor %s", ErrInvalidTransition, from, to, actor)
}

// Allowed reports whether any actor may perform from -> to.
func Allowed(from, to domain.Stage) bool {
	_, ok := table[pair{from, to}]
	return ok
}

// Transitions returns a copy of the full table, for status surfaces.
func Transitions() map[[2]domain.Stage][]domain.Actor {
	out := make(map[[2]domain.Stage][]domain.Actor, len(table))
	for p, actors := range table {
		out[[2]domain.Stage{p.From, p.To}] = append([]domain.Actor(nil), actors...)
	}
	return out
}
