package llm

import (
	"time"

	"golang.org/x/time/rate"
)

// Governor enforces a rolling token budget of tokensPerPeriod per period.
// The bucket refills continuously, so the budget behaves as a sliding window.
type Governor struct {
	limiter *rate.Limiter
}

// NewGovernor creates a governor. A non-positive budget disables it.
func NewGovernor(tokensPerPeriod int, period time.Duration) *Governor {
	if tokensPerPeriod <= 0 || period <= 0 {
		return &Governor{}
	}
	perSecond := rate.Limit(float64(tokensPerPeriod) / period.Seconds())
	return &Governor{limiter: rate.NewLimiter(perSecond, tokensPerPeriod)}
}

// Admit takes n tokens from the budget or fails with ErrTokensPerPeriod
// without taking any.
func (g *Governor) Admit(n int) error {
	if g.limiter == nil || n <= 0 {
		return nil
	}
	if !g.limiter.AllowN(time.Now(), n) {
		return ErrTokensPerPeriod
	}
	return nil
}

// Charge records n tokens that were spent after admission, such as completion
// tokens. The budget may go into debt; later calls wait for it to refill.
func (g *Governor) Charge(n int) {
	if g.limiter == nil || n <= 0 {
		return
	}
	g.limiter.ReserveN(time.Now(), min(n, g.limiter.Burst()))
}

// Available returns the tokens currently available, or -1 when unlimited.
func (g *Governor) Available() int {
	if g.limiter == nil {
		return -1
	}
	return int(g.limiter.Tokens())
}
