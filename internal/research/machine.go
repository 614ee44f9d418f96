package research

import (
	"context"
	"fmt"
	"slices"
)

// transitions lists the states each state may move to.
type transitions map[State][]State

type stepFunc func(ctx context.Context) (State, error)

// runMachine drives steps from start until StateEnd, rejecting any move the
// table does not allow.
func runMachine(ctx context.Context, start State, table transitions, steps map[State]stepFunc) error {
	cur := start
	for cur != StateEnd {
		if err := ctx.Err(); err != nil {
			return err
		}
		step, ok := steps[cur]
		if !ok {
			return fmt.Errorf("no handler for state %s", cur)
		}
		next, err := step(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", cur, err)
		}
		if !slices.Contains(table[cur], next) {
			return fmt.Errorf("invalid transition %s -> %s", cur, next)
		}
		cur = next
	}
	return nil
}
