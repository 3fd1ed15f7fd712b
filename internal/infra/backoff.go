package infra

import (
	"math"
	"time"
)

const maxBackoff = 60 * time.Second

// CalculateBackoff returns the exponential backoff delay for the given
// zero-based attempt: base * factor^attempt, capped at 60s.
func CalculateBackoff(base time.Duration, factor float64, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := time.Duration(float64(base) * math.Pow(factor, float64(attempt)))
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}
