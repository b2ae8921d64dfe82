package policy

import "golang.org/x/time/rate"

const DefaultRatePerSec = 100

// NewSendLimiter builds the token bucket shared by every worker in a process.
// Burst equals the per-second rate so a full second's allowance may be spent
// at once.
func NewSendLimiter(perSec int) *rate.Limiter {
	if perSec <= 0 {
		perSec = DefaultRatePerSec
	}
	return rate.NewLimiter(rate.Limit(perSec), perSec)
}

// ProcessRate is one consumer's share of a cluster-wide rate split evenly
// across replicas. Shares round down so their sum never exceeds the total,
// and no share drops below one.
func ProcessRate(clusterRate, replicas int) int {
	if clusterRate <= 0 {
		clusterRate = DefaultRatePerSec
	}
	if replicas <= 1 {
		return clusterRate
	}
	return max(clusterRate/replicas, 1)
}
