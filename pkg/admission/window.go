package admission

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

const RuleWindow = "sliding_window"

var errContention = errors.New("state store contention: cas attempts exhausted")

// WindowRule is a sliding-window log: it retains the timestamps of
// admitted evaluations inside the trailing interval and hard-denies once
// Max is reached. A denied request records nothing, so it cannot extend
// its own lockout.
type WindowRule struct {
	Store    StateStore
	Interval time.Duration
	Max      int
}

func (r *WindowRule) Name() string { return RuleWindow }

func (r *WindowRule) Evaluate(ctx context.Context, d Descriptor) (Verdict, error) {
	if r.Max <= 0 || r.Interval <= 0 {
		return allow(), nil
	}
	now := d.At
	cutoff := now.Add(-r.Interval).UnixNano()
	for attempt := 0; attempt < casAttempts; attempt++ {
		raw, version, err := r.Store.Get(ctx, r.Name(), d.ClientKey)
		if err != nil {
			return Verdict{}, err
		}
		var stamps []int64
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &stamps); err != nil {
				// Corrupt state: start a fresh window rather than
				// locking the client out forever.
				stamps = nil
			}
		}
		kept := stamps[:0]
		for _, ts := range stamps {
			if ts > cutoff {
				kept = append(kept, ts)
			}
		}
		if len(kept) >= r.Max {
			oldest := kept[0]
			retry := time.Unix(0, oldest).Add(r.Interval).Sub(now)
			if retry < 0 {
				retry = 0
			}
			verdict := deny(RuleWindow, "too many requests in window")
			verdict.RetryAfter = retry
			return verdict, nil
		}
		kept = append(kept, now.UnixNano())
		next, err := json.Marshal(kept)
		if err != nil {
			return Verdict{}, err
		}
		ok, err := r.Store.CompareAndSwap(ctx, r.Name(), d.ClientKey, version, next, r.Interval)
		if err != nil {
			return Verdict{}, err
		}
		if ok {
			return allow(), nil
		}
	}
	return Verdict{}, errContention
}
