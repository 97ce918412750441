package internal

import "time"

// throttlePolicy decides which progress updates hit the wire and the store.
// Terminal envelopes are never throttled; callers check that separately.
type throttlePolicy struct {
	everyN int
	every  time.Duration
}

// _throttlePolicies are tuned per pipeline: scans are chatty about stages so
// every update matters; CSV imports emit a row at a time.
var _throttlePolicies = map[Pipeline]throttlePolicy{
	PipelineBatchEnrichment: {everyN: 5, every: 10 * time.Second},
	PipelineCSVImport:       {everyN: 20, every: 30 * time.Second},
	PipelineAIScan:          {everyN: 1, every: time.Minute},
	PipelineBatchAIScan:     {everyN: 1, every: time.Minute},
}

// broadcastThrottle gates observable progress updates. Not safe for
// concurrent use; the owning coordinator serializes access.
type broadcastThrottle struct {
	policy   throttlePolicy
	pending  int
	lastSent time.Time
	now      func() time.Time
}

func newBroadcastThrottle(pipeline Pipeline) *broadcastThrottle {
	policy, ok := _throttlePolicies[pipeline]
	if !ok {
		policy = throttlePolicy{everyN: 1}
	}
	return &broadcastThrottle{policy: policy, now: time.Now}
}

// admit records one update and reports whether it should be published.
// final updates always pass.
func (t *broadcastThrottle) admit(final bool) bool {
	t.pending++

	if final {
		t.flush()
		return true
	}
	if t.pending >= t.policy.everyN {
		t.flush()
		return true
	}
	if t.policy.every > 0 && t.now().Sub(t.lastSent) >= t.policy.every {
		t.flush()
		return true
	}
	return false
}

func (t *broadcastThrottle) flush() {
	t.pending = 0
	t.lastSent = t.now()
}
