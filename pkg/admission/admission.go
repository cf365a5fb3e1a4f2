// Package admission decides, per inbound request, whether the request is
// allowed to reach business logic at all. A fixed-order chain of rules
// (shield, bot, sliding window, token bucket) is evaluated per request and
// short-circuits on the first deny; rules after the deny are skipped and
// their state is not advanced.
package admission

import (
	"context"
	"fmt"
	"time"
)

// Descriptor is the per-request input to the pipeline. At carries the
// evaluation timestamp so stateful rules are deterministic under test.
type Descriptor struct {
	ClientKey     string
	Method        string
	Path          string
	Query         string
	UserAgent     string
	AgentCategory string
	At            time.Time
}

// Verdict is produced once per request. Rule and Reason are set only on
// deny. RetryAfter is a hint for rate rules (zero otherwise).
type Verdict struct {
	Allowed    bool
	Rule       string
	Reason     string
	RetryAfter time.Duration
}

func allow() Verdict { return Verdict{Allowed: true} }

func deny(rule, reason string) Verdict {
	return Verdict{Rule: rule, Reason: reason}
}

// Rule is one admission check. Evaluate must not return an error for
// well-formed input; errors signal evaluator faults (state store down,
// CAS contention exhausted) and are handled by the pipeline's fail mode.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, d Descriptor) (Verdict, error)
}

// FailMode governs what a rule evaluator fault does to the request.
type FailMode int

const (
	// FailOpen skips a faulted rule and lets the remaining rules decide.
	// This is the default: an unavailable state store must not take the
	// whole API down.
	FailOpen FailMode = iota
	// FailClosed surfaces the fault as a server-side error. The caller
	// maps it to 503, never to a client-caused 4xx.
	FailClosed
)

// FaultError reports a rule evaluator fault under FailClosed. It is
// distinct from a rule-triggered deny: clients may retry these.
type FaultError struct {
	Rule string
	Err  error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("admission rule %s fault: %v", e.Rule, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// Pipeline evaluates rules in the order given. Order is semantic: cheap
// stateless rules run before stateful rate rules so that blocked requests
// never consume window slots or bucket tokens.
type Pipeline struct {
	rules    []Rule
	failMode FailMode
	onFault  func(rule string, err error)
}

type PipelineOption func(*Pipeline)

// WithFailMode overrides the default FailOpen policy.
func WithFailMode(mode FailMode) PipelineOption {
	return func(p *Pipeline) { p.failMode = mode }
}

// WithFaultHook installs an observer for rule faults (metrics, logging).
// The hook runs in both fail modes.
func WithFaultHook(hook func(rule string, err error)) PipelineOption {
	return func(p *Pipeline) { p.onFault = hook }
}

func NewPipeline(rules []Rule, options ...PipelineOption) *Pipeline {
	p := &Pipeline{rules: rules, failMode: FailOpen}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Evaluate returns the first deny, or allow when every rule passes.
// A non-nil error is only returned under FailClosed and means the gate
// itself failed, not that the client misbehaved.
func (p *Pipeline) Evaluate(ctx context.Context, d Descriptor) (Verdict, error) {
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}
	for _, rule := range p.rules {
		verdict, err := rule.Evaluate(ctx, d)
		if err != nil {
			if p.onFault != nil {
				p.onFault(rule.Name(), err)
			}
			if p.failMode == FailClosed {
				return Verdict{}, &FaultError{Rule: rule.Name(), Err: err}
			}
			continue
		}
		if !verdict.Allowed {
			return verdict, nil
		}
	}
	return allow(), nil
}

// Config is the gate's startup configuration. Values are declared once
// and immutable for the process lifetime.
type Config struct {
	ShieldMode     string
	BotAllow       []string
	WindowInterval time.Duration
	WindowMax      int
	BucketRefill   int
	BucketInterval time.Duration
	BucketCapacity int
	FailMode       FailMode
}

// DefaultConfig mirrors the production rule set: shield enforced, search
// engines and link-preview fetchers exempt from the bot rule, a 5-per-2s
// burst window and a 10-token bucket refilled 5 tokens every 10s.
func DefaultConfig() Config {
	return Config{
		ShieldMode:     ShieldLive,
		BotAllow:       []string{CategorySearchEngine, CategoryPreview},
		WindowInterval: 2 * time.Second,
		WindowMax:      5,
		BucketRefill:   5,
		BucketInterval: 10 * time.Second,
		BucketCapacity: 10,
		FailMode:       FailOpen,
	}
}

// NewDefaultPipeline assembles the four-rule chain over the given state
// store in its fixed order.
func NewDefaultPipeline(cfg Config, store StateStore, options ...PipelineOption) *Pipeline {
	rules := []Rule{
		NewShieldRule(cfg.ShieldMode, nil),
		NewBotRule(cfg.BotAllow),
		&WindowRule{Store: store, Interval: cfg.WindowInterval, Max: cfg.WindowMax},
		&BucketRule{Store: store, RefillRate: cfg.BucketRefill, Interval: cfg.BucketInterval, Capacity: cfg.BucketCapacity},
	}
	options = append([]PipelineOption{WithFailMode(cfg.FailMode)}, options...)
	return NewPipeline(rules, options...)
}
