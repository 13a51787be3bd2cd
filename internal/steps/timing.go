package steps

import (
	"math"
	"time"
)

// DefaultDelayPerDecimal is the animation delay for each 0.1 of a step.
const DefaultDelayPerDecimal = 500 * time.Millisecond

// MaxAuthorStep is the largest step an author may write. Larger values do
// not convert to int reliably.
const MaxAuthorStep = math.MaxInt32

// EffectiveStep returns the click number of a step (its integer part).
func EffectiveStep(step float64) int {
	return int(math.Floor(step))
}

// AnimationDelay converts the decimal part of a step into a delay:
// 14.1 waits one perDecimal, 14.2 waits two. A non-positive perDecimal uses
// DefaultDelayPerDecimal.
func AnimationDelay(step float64, perDecimal time.Duration) time.Duration {
	if perDecimal <= 0 {
		perDecimal = DefaultDelayPerDecimal
	}
	tenths := math.Round((step - math.Floor(step)) * 10)
	return time.Duration(tenths) * perDecimal
}

// Visible reports whether content at step is shown once the slide has
// reached fragment current.
func Visible(step float64, current int) bool {
	return current >= EffectiveStep(step)
}
