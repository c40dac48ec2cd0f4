package scheduler

import (
	"time"

	"github.com/me/floe/pkg/model"
)

// retryCountKey tracks consumed retries in a task's state params.
const retryCountKey = "retry_count"

// defaultRetryInterval is used when a retry policy omits an interval.
const defaultRetryInterval = 5 * time.Second

// RetryControl evaluates a task's retry policy against its continuation
// state. The policy comes from the "_retry" config key, either a bare
// retry limit or an object:
//
//	_retry: 3
//	_retry: {limit: 3, interval: 10, interval_type: exponential, max_interval: 300}
//
// Intervals are seconds. The exponential type doubles the interval on
// each consumed retry, capped at max_interval.
type RetryControl struct {
	limit       int
	interval    time.Duration
	maxInterval time.Duration
	exponential bool
	count       int
}

// NewRetryControl builds a RetryControl from a task's config and state
// params. A task without a "_retry" key never retries.
func NewRetryControl(config, stateParams model.Params) RetryControl {
	rc := RetryControl{
		interval: defaultRetryInterval,
		count:    stateParams.GetInt(retryCountKey, 0),
	}
	switch v := config["_retry"].(type) {
	case int:
		rc.limit = v
	case int64:
		rc.limit = int(v)
	case float64:
		rc.limit = int(v)
	case map[string]any:
		p := model.Params(v)
		rc.limit = p.GetInt("limit", 0)
		if p.Has("interval") {
			rc.interval = time.Duration(p.GetInt("interval", 0)) * time.Second
		}
		if n := p.GetInt("max_interval", 0); n > 0 {
			rc.maxInterval = time.Duration(n) * time.Second
		}
		rc.exponential = p.GetString("interval_type", "constant") == "exponential"
	}
	return rc
}

// Evaluate reports whether another retry is allowed and, if so, the wait
// interval and the state params to carry into the retried task.
func (rc RetryControl) Evaluate(stateParams model.Params) (bool, time.Duration, model.Params) {
	if rc.count >= rc.limit {
		return false, 0, stateParams
	}

	interval := rc.interval
	if rc.exponential {
		for i := 0; i < rc.count; i++ {
			interval *= 2
			if rc.maxInterval > 0 && interval >= rc.maxInterval {
				interval = rc.maxInterval
				break
			}
		}
	}
	if rc.maxInterval > 0 && interval > rc.maxInterval {
		interval = rc.maxInterval
	}

	next := stateParams.Merge(model.Params{retryCountKey: rc.count + 1})
	return true, interval, next
}
