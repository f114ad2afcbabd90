// Client roles driven by the simulated clock and network
// A role reports a broken invariant by returning a *Violation
package roles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andrewh/bankdst/pkg/substrate"
)

// Role is a simulated client.
type Role interface {
	Name() string
	Run(ctx context.Context, env substrate.Env) error
}

// Violation is an invariant failure observed by a role. It fails the run.
type Violation struct {
	Role    string
	Action  string
	At      time.Time
	Message string
}

func (v *Violation) Error() string {
	if v.Action == "" {
		return fmt.Sprintf("%s: violation: %s", v.Role, v.Message)
	}
	return fmt.Sprintf("%s: violation during %s: %s", v.Role, v.Action, v.Message)
}

// IsViolation reports whether err carries a *Violation.
func IsViolation(err error) bool {
	var v *Violation
	return errors.As(err, &v)
}

// FaultControl is the fault surface the fault injector drives. *sim.World implements it.
type FaultControl interface {
	Partition(a, b string) error
	Heal(a, b string) error
	Bounce(name string) error
}

// DisruptionQuery reports whether the link between hosts a and b was partitioned,
// or either host was down or restarted, at any point since the given instant.
// *sim.World implements it.
type DisruptionQuery interface {
	Disrupted(a, b string, since time.Time) bool
}

// sleepUntil waits on the clock and reports whether the role should keep going.
func sleepUntil(ctx context.Context, clock substrate.Clock, t time.Time) bool {
	return clock.SleepUntil(ctx, t) == nil
}
