package admission

import (
	"context"
	"errors"
	"testing"
	"time"
)

type faultyStore struct{}

func (faultyStore) Get(context.Context, string, string) ([]byte, string, error) {
	return nil, "", errors.New("state store unreachable")
}

func (faultyStore) CompareAndSwap(context.Context, string, string, string, []byte, time.Duration) (bool, error) {
	return false, errors.New("state store unreachable")
}

func newTestPipeline(store StateStore, options ...PipelineOption) *Pipeline {
	cfg := DefaultConfig()
	return NewDefaultPipeline(cfg, store, options...)
}

func TestPipelineAllowsPlainTraffic(t *testing.T) {
	p := newTestPipeline(NewMemoryStore())
	v, err := p.Evaluate(context.Background(), descriptorAt("10.0.0.1", time.Now().UTC()))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !v.Allowed {
		t.Fatalf("expected allow, got %+v", v)
	}
}

func TestPipelineShieldDenyLeavesBucketUntouched(t *testing.T) {
	store := NewMemoryStore()
	// Capacity 1: a single admitted request would exhaust the bucket.
	rules := []Rule{
		NewShieldRule(ShieldLive, nil),
		&BucketRule{Store: store, RefillRate: 1, Interval: time.Hour, Capacity: 1},
	}
	p := NewPipeline(rules)
	at := time.Now().UTC()

	probe := Descriptor{
		ClientKey: "9.9.9.9",
		Method:    "GET",
		Path:      "/api/users",
		Query:     "id=1 OR 1=1",
		UserAgent: "Mozilla/5.0",
		At:        at,
	}
	v, err := p.Evaluate(context.Background(), probe)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.Allowed || v.Rule != RuleShield {
		t.Fatalf("expected shield deny, got %+v", v)
	}

	// The shield deny short-circuited before the bucket: the next clean
	// request still finds its full token.
	v, err = p.Evaluate(context.Background(), descriptorAt("9.9.9.9", at))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !v.Allowed {
		t.Fatalf("bucket should be untouched after shield deny, got %+v", v)
	}
}

func TestPipelineAllowListedBotStillRateLimited(t *testing.T) {
	store := NewMemoryStore()
	rules := []Rule{
		NewBotRule([]string{CategorySearchEngine}),
		&WindowRule{Store: store, Interval: time.Minute, Max: 1},
	}
	p := NewPipeline(rules)
	at := time.Now().UTC()
	crawler := Descriptor{
		ClientKey:     "66.249.66.1",
		Path:          "/api/users",
		UserAgent:     "Mozilla/5.0 (compatible; Googlebot/2.1)",
		AgentCategory: CategorySearchEngine,
		At:            at,
	}

	v, err := p.Evaluate(context.Background(), crawler)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !v.Allowed {
		t.Fatalf("allow-listed category must pass the bot rule, got %+v", v)
	}
	v, err = p.Evaluate(context.Background(), crawler)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.Allowed || v.Rule != RuleWindow {
		t.Fatalf("allow-listed bot must still hit downstream rate rules, got %+v", v)
	}
}

func TestPipelineFailOpenSkipsFaultedRule(t *testing.T) {
	faults := 0
	rules := []Rule{
		&WindowRule{Store: faultyStore{}, Interval: time.Second, Max: 1},
	}
	p := NewPipeline(rules, WithFaultHook(func(rule string, err error) { faults++ }))

	v, err := p.Evaluate(context.Background(), descriptorAt("k", time.Now().UTC()))
	if err != nil {
		t.Fatalf("fail-open must not surface the fault: %v", err)
	}
	if !v.Allowed {
		t.Fatalf("fail-open should admit when only the faulted rule would decide, got %+v", v)
	}
	if faults != 1 {
		t.Fatalf("fault hook should fire once, got %d", faults)
	}
}

func TestPipelineFailClosedSurfacesFault(t *testing.T) {
	rules := []Rule{
		&WindowRule{Store: faultyStore{}, Interval: time.Second, Max: 1},
	}
	p := NewPipeline(rules, WithFailMode(FailClosed))

	_, err := p.Evaluate(context.Background(), descriptorAt("k", time.Now().UTC()))
	var fault *FaultError
	if !errors.As(err, &fault) {
		t.Fatalf("expected FaultError, got %v", err)
	}
	if fault.Rule != RuleWindow {
		t.Fatalf("fault should name the rule, got %+v", fault)
	}
}

func TestPipelineFillsZeroTimestamp(t *testing.T) {
	p := NewPipeline([]Rule{&WindowRule{Store: NewMemoryStore(), Interval: time.Second, Max: 1}})
	d := descriptorAt("k", time.Time{})
	if v, err := p.Evaluate(context.Background(), d); err != nil || !v.Allowed {
		t.Fatalf("expected allow with defaulted timestamp, got %+v err=%v", v, err)
	}
}

func TestShieldRuleSignatures(t *testing.T) {
	rule := NewShieldRule(ShieldLive, nil)
	cases := map[string]Descriptor{
		"sqli_query":     {Path: "/api/users", Query: "id=1 UNION SELECT password FROM users"},
		"path_traversal": {Path: "/api/../../etc/passwd"},
		"script_in_ua":   {Path: "/api/users", UserAgent: "<script>alert(1)</script>"},
		"crlf_query":     {Path: "/api/users", Query: "name=a%0d%0a", UserAgent: "x\r\ny"},
	}
	for name, d := range cases {
		v, err := rule.Evaluate(context.Background(), d)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if v.Allowed {
			t.Fatalf("%s: expected shield deny", name)
		}
	}

	clean, err := rule.Evaluate(context.Background(), descriptorAt("k", time.Now()))
	if err != nil || !clean.Allowed {
		t.Fatalf("clean request should pass the shield, got %+v err=%v", clean, err)
	}
}

func TestShieldRuleDryRunReportsButAllows(t *testing.T) {
	matched := ""
	rule := NewShieldRule(ShieldDryRun, func(sig string) { matched = sig })
	v, err := rule.Evaluate(context.Background(), Descriptor{Path: "/x", Query: "q=1 OR 1=1"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !v.Allowed {
		t.Fatalf("dry-run must not enforce, got %+v", v)
	}
	if matched != "sql_injection" {
		t.Fatalf("dry-run must still report the signature, got %q", matched)
	}
}

func TestBotRuleClassification(t *testing.T) {
	rule := NewBotRule([]string{CategorySearchEngine, CategoryPreview})

	cases := []struct {
		name    string
		d       Descriptor
		allowed bool
	}{
		{"browser", Descriptor{UserAgent: "Mozilla/5.0 (X11; Linux x86_64)"}, true},
		{"googlebot", Descriptor{UserAgent: "Mozilla/5.0 (compatible; Googlebot/2.1)"}, true},
		{"slack_preview", Descriptor{UserAgent: "Slackbot-LinkExpanding 1.0"}, true},
		{"curl", Descriptor{UserAgent: "curl/8.5.0"}, false},
		{"generic_crawler", Descriptor{UserAgent: "MyCrawler/1.0"}, false},
		{"empty_agent", Descriptor{}, false},
		{"declared_allowed", Descriptor{UserAgent: "curl/8.5.0", AgentCategory: CategoryPreview}, true},
		{"declared_denied", Descriptor{UserAgent: "Mozilla/5.0", AgentCategory: CategoryAutomated}, false},
	}
	for _, tc := range cases {
		v, err := rule.Evaluate(context.Background(), tc.d)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if v.Allowed != tc.allowed {
			t.Fatalf("%s: expected allowed=%v, got %+v", tc.name, tc.allowed, v)
		}
	}
}
