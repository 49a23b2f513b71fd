package opt

import "sync"

var (
	mu      sync.Mutex
	byPlan  = map[string]Metrics{}
	planSeq []string
)

// RecordMetrics stores the optimizer metrics for a committed plan.
func RecordMetrics(planID string, m Metrics) {
	mu.Lock()
	if _, ok := byPlan[planID]; !ok {
		planSeq = append(planSeq, planID)
	}
	byPlan[planID] = m
	mu.Unlock()
}

// GetMetrics returns the metrics recorded for a plan.
func GetMetrics(planID string) (Metrics, bool) {
	mu.Lock()
	defer mu.Unlock()
	m, ok := byPlan[planID]
	return m, ok
}

// LatestMetrics returns the most recently recorded plan's metrics.
func LatestMetrics() (string, Metrics, bool) {
	mu.Lock()
	defer mu.Unlock()
	if len(planSeq) == 0 {
		return "", Metrics{}, false
	}
	id := planSeq[len(planSeq)-1]
	return id, byPlan[id], true
}
