// Seeded plan generators for bankers and the fault injector
// Every draw comes from the world's Rand, so a seed fixes the whole plan
package plan

import (
	"time"

	"github.com/andrewh/bankdst/pkg/substrate"
	"github.com/shopspring/decimal"
)

// BankerWeights sets the relative frequency of each banker action.
type BankerWeights struct {
	Create        uint
	CreateInvalid uint
	Void          uint
	Get           uint
	List          uint
	Balance       uint
	Health        uint
}

// DefaultBankerWeights favours creates so that voids and gets have targets.
var DefaultBankerWeights = BankerWeights{
	Create:        40,
	CreateInvalid: 5,
	Void:          15,
	Get:           15,
	List:          10,
	Balance:       10,
	Health:        5,
}

// Defaults for generated plans.
const (
	DefaultMaxGap  = 2 * time.Second
	DefaultMaxHold = 20 * time.Second
	maxCents       = 10_000_000
)

// invalidAmounts are sent by create_invalid; each must be rejected by the server.
var invalidAmounts = []string{"0", "-1", "-0.01", "abc", "", "12,50", "NaN"}

// BankerOptions shapes a generated banker plan.
type BankerOptions struct {
	Weights BankerWeights
	// MaxGap bounds the pause between two actions before scaling.
	MaxGap time.Duration
	// StepMultiplier scales every pause. Values below 1 are treated as 1.
	StepMultiplier float64
}

func (o BankerOptions) withDefaults() BankerOptions {
	if o.Weights == (BankerWeights{}) {
		o.Weights = DefaultBankerWeights
	}
	if o.MaxGap <= 0 {
		o.MaxGap = DefaultMaxGap
	}
	if o.StepMultiplier < 1 {
		o.StepMultiplier = 1
	}
	return o
}

// gap draws a pause in [1ns, limit] scaled by mult.
func gap(rng substrate.Rand, limit time.Duration, mult float64) time.Duration {
	return time.Duration(float64(rng.Range(1, int64(limit)+1)) * mult)
}

// RandomAmount draws a positive amount with two decimal places.
func RandomAmount(rng substrate.Rand) decimal.Decimal {
	return decimal.New(rng.Range(1, maxCents+1), -2)
}

// BankerGenerator returns a generator of random banker actions.
func BankerGenerator(rng substrate.Rand, opts BankerOptions) Generator {
	opts = opts.withDefaults()
	w := opts.Weights
	kinds := []Kind{KindCreate, KindCreateInvalid, KindVoid, KindGet, KindList, KindBalance, KindHealth}
	weights := []uint{w.Create, w.CreateInvalid, w.Void, w.Get, w.List, w.Balance, w.Health}

	return func(from time.Duration, n int) []Entry {
		out := make([]Entry, 0, n)
		at := from
		for range n {
			at += gap(rng, opts.MaxGap, opts.StepMultiplier)
			a := Action{Kind: kinds[rng.Choose(weights)]}
			switch a.Kind {
			case KindCreate:
				a.Amount = RandomAmount(rng)
			case KindCreateInvalid:
				a.RawAmount = invalidAmounts[rng.IntN(len(invalidAmounts))]
			case KindGet:
				// One in ten gets probes an id that is unlikely to exist.
				if rng.Bool(0.1) {
					a.ID = rng.Range(1_000_000, 2_000_000)
				}
			}
			out = append(out, Entry{At: at, Action: a})
		}
		return out
	}
}

// FaultWeights sets the relative frequency of fault injector moves.
type FaultWeights struct {
	Partition uint
	Bounce    uint
	Idle      uint
}

// DefaultFaultWeights keeps the server mostly reachable.
var DefaultFaultWeights = FaultWeights{Partition: 3, Bounce: 1, Idle: 6}

// FaultOptions shapes a generated fault plan.
type FaultOptions struct {
	Weights FaultWeights
	// Targets are the client hosts whose link to Server may be partitioned.
	Targets []string
	Server  string
	// MaxGap bounds the pause between moves and MaxHold how long a partition lasts.
	MaxGap         time.Duration
	MaxHold        time.Duration
	StepMultiplier float64
}

// FaultGenerator returns a generator of partitions, heals and bounces. Every
// partition it emits is followed by a heal of the same target before the next move.
func FaultGenerator(rng substrate.Rand, opts FaultOptions) Generator {
	if opts.Weights == (FaultWeights{}) {
		opts.Weights = DefaultFaultWeights
	}
	if opts.MaxGap <= 0 {
		opts.MaxGap = 5 * DefaultMaxGap
	}
	if opts.MaxHold <= 0 {
		opts.MaxHold = DefaultMaxHold
	}
	if opts.StepMultiplier < 1 {
		opts.StepMultiplier = 1
	}
	weights := []uint{opts.Weights.Partition, opts.Weights.Bounce, opts.Weights.Idle}
	if len(opts.Targets) == 0 {
		weights[0] = 0
	}
	if opts.Server == "" {
		weights[1] = 0
	}

	return func(from time.Duration, n int) []Entry {
		if weights[0] == 0 && weights[1] == 0 {
			return nil
		}
		out := make([]Entry, 0, n+1)
		at := from
		for len(out) < n {
			at += gap(rng, opts.MaxGap, opts.StepMultiplier)
			switch rng.Choose(weights) {
			case 0:
				target := opts.Targets[rng.IntN(len(opts.Targets))]
				out = append(out, Entry{At: at, Action: Action{Kind: KindPartition, Target: target}})
				at += gap(rng, opts.MaxHold, opts.StepMultiplier)
				out = append(out, Entry{At: at, Action: Action{Kind: KindHeal, Target: target}})
			case 1:
				out = append(out, Entry{At: at, Action: Action{Kind: KindBounce, Target: opts.Server}})
			}
		}
		return out
	}
}
