// Delay distributions for simulated network latency and restart downtime
// Accepts the "30ms +/- 10ms" DSL and samples a clamped normal distribution
package sim

import (
	"fmt"
	"strings"
	"time"

	"github.com/andrewh/bankdst/pkg/substrate"
)

// tailSigmas bounds samples to Mean + tailSigmas*StdDev so that delays, and therefore
// liveness bounds derived from them, stay finite.
const tailSigmas = 4

// Distribution is a delay with optional variance, sampled as a clamped normal distribution.
type Distribution struct {
	Mean   time.Duration
	StdDev time.Duration
}

// ParseDistribution parses a delay distribution string.
// Supported formats:
//   - "30ms +/- 10ms" (mean with standard deviation)
//   - "30ms ± 10ms"   (unicode variant)
//   - "50ms"           (fixed delay)
func ParseDistribution(s string) (Distribution, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Distribution{}, fmt.Errorf("duration is required (e.g. '50ms', '1s +/- 200ms')")
	}

	var meanStr, stddevStr string
	if parts := strings.SplitN(s, "+/-", 2); len(parts) == 2 {
		meanStr = strings.TrimSpace(parts[0])
		stddevStr = strings.TrimSpace(parts[1])
	} else if parts := strings.SplitN(s, "±", 2); len(parts) == 2 {
		meanStr = strings.TrimSpace(parts[0])
		stddevStr = strings.TrimSpace(parts[1])
	} else {
		mean, err := time.ParseDuration(s)
		if err != nil {
			return Distribution{}, fmt.Errorf("invalid mean duration: %w", err)
		}
		if mean <= 0 {
			return Distribution{}, fmt.Errorf("mean duration must be positive")
		}
		return Distribution{Mean: mean}, nil
	}

	mean, err := time.ParseDuration(meanStr)
	if err != nil {
		return Distribution{}, fmt.Errorf("invalid mean duration: %w", err)
	}
	if mean <= 0 {
		return Distribution{}, fmt.Errorf("mean duration must be positive")
	}

	stddev, err := time.ParseDuration(stddevStr)
	if err != nil {
		return Distribution{}, fmt.Errorf("invalid stddev duration: %w", err)
	}
	if stddev < 0 {
		return Distribution{}, fmt.Errorf("stddev must not be negative")
	}

	return Distribution{Mean: mean, StdDev: stddev}, nil
}

// MustParseDistribution is ParseDistribution for package-level defaults.
func MustParseDistribution(s string) Distribution {
	d, err := ParseDistribution(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Sample draws a delay in [0, Max()].
func (d Distribution) Sample(rng substrate.Rand) time.Duration {
	if d.StdDev == 0 {
		return d.Mean
	}
	sample := time.Duration(float64(d.Mean) + rng.NormFloat64()*float64(d.StdDev))
	return min(max(sample, 0), d.Max())
}

// Max is the largest delay Sample can return.
func (d Distribution) Max() time.Duration {
	return d.Mean + tailSigmas*d.StdDev
}

// String returns the distribution in DSL format.
func (d Distribution) String() string {
	if d.StdDev == 0 {
		return d.Mean.String()
	}
	return fmt.Sprintf("%s +/- %s", d.Mean, d.StdDev)
}
