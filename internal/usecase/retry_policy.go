package usecase

import "time"

// RetryPolicy decides when a failed download is retried and when it is given up.
// Recrawls of moved files are not counted here.
type RetryPolicy struct {
	Base      time.Duration
	Cap       time.Duration
	MaxErrors int
}

// NextRetryDelay returns min(Base * 2^errorCount, Cap). It never overflows and never
// decreases as errorCount grows.
func (p RetryPolicy) NextRetryDelay(errorCount int) time.Duration {
	if errorCount < 0 {
		errorCount = 0
	}
	d := p.Base
	for i := 0; i < errorCount; i++ {
		if d >= p.Cap/2 {
			return p.Cap
		}
		d *= 2
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// ShouldGiveUp reports whether errorCount exceeds the ceiling.
func (p RetryPolicy) ShouldGiveUp(errorCount int) bool {
	return errorCount > p.MaxErrors
}
