package admission

import (
	"context"
	"encoding/json"
	"time"
)

const RuleBucket = "token_bucket"

type bucketState struct {
	Tokens     float64 `json:"tokens"`
	LastRefill int64   `json:"last_refill"`
}

// BucketRule bounds the sustained average rate while tolerating bursts up
// to Capacity. Refill is computed lazily at evaluation time from the
// elapsed interval fraction; there is no background timer.
type BucketRule struct {
	Store      StateStore
	RefillRate int
	Interval   time.Duration
	Capacity   int
}

func (r *BucketRule) Name() string { return RuleBucket }

func (r *BucketRule) Evaluate(ctx context.Context, d Descriptor) (Verdict, error) {
	if r.Capacity <= 0 || r.RefillRate <= 0 || r.Interval <= 0 {
		return allow(), nil
	}
	now := d.At
	capacity := float64(r.Capacity)
	ratePerNano := float64(r.RefillRate) / float64(r.Interval.Nanoseconds())
	for attempt := 0; attempt < casAttempts; attempt++ {
		raw, version, err := r.Store.Get(ctx, r.Name(), d.ClientKey)
		if err != nil {
			return Verdict{}, err
		}
		state := bucketState{Tokens: capacity, LastRefill: now.UnixNano()}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &state); err != nil {
				state = bucketState{Tokens: capacity, LastRefill: now.UnixNano()}
			}
		}
		if elapsed := now.UnixNano() - state.LastRefill; elapsed > 0 {
			state.Tokens += float64(elapsed) * ratePerNano
			if state.Tokens > capacity {
				state.Tokens = capacity
			}
		}
		state.LastRefill = now.UnixNano()
		if state.Tokens < 1 {
			needed := 1 - state.Tokens
			verdict := deny(RuleBucket, "rate limit exceeded")
			verdict.RetryAfter = time.Duration(needed / ratePerNano)
			return verdict, nil
		}
		state.Tokens--
		next, err := json.Marshal(state)
		if err != nil {
			return Verdict{}, err
		}
		// An idle bucket refills to full in capacity/rate intervals;
		// after that the entry is indistinguishable from absent, so it
		// can expire.
		ttl := time.Duration(capacity / float64(r.RefillRate) * float64(r.Interval))
		ok, err := r.Store.CompareAndSwap(ctx, r.Name(), d.ClientKey, version, next, ttl)
		if err != nil {
			return Verdict{}, err
		}
		if ok {
			return allow(), nil
		}
	}
	return Verdict{}, errContention
}
