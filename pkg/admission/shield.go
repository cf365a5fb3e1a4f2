package admission

import (
	"context"
	"regexp"
	"strings"
)

// Shield modes. LIVE enforces a match; DRY_RUN reports it and lets the
// request through, which is how a new signature set is soaked in
// production before being enforced.
const (
	ShieldLive   = "LIVE"
	ShieldDryRun = "DRY_RUN"
)

const RuleShield = "shield"

type shieldSignature struct {
	name    string
	pattern *regexp.Regexp
}

// The signature set inspects only the request line and a handful of
// headers; it is a tripwire for the obvious, not a WAF.
var shieldSignatures = []shieldSignature{
	{"sql_injection", regexp.MustCompile(`(?i)(\bunion\b[\s/*]+\bselect\b|\bor\b\s+1\s*=\s*1|'\s*or\s*'|;\s*drop\s+table|\bsleep\s*\()`)},
	{"path_traversal", regexp.MustCompile(`(\.\./|\.\.\\|%2e%2e%2f|%2e%2e/)`)},
	{"null_byte", regexp.MustCompile(`(%00|\x00)`)},
	{"script_injection", regexp.MustCompile(`(?i)(<script\b|javascript:|\bonerror\s*=)`)},
	{"header_smuggling", regexp.MustCompile(`[\r\n]`)},
}

// ShieldRule is the stateless structural check and always runs first:
// a request carrying an attack signature should not cost a window slot
// or a bucket token.
type ShieldRule struct {
	mode    string
	onMatch func(signature string)
}

// NewShieldRule builds the rule. onMatch (optional) observes every
// signature hit in both modes, so DRY_RUN still produces a signal.
func NewShieldRule(mode string, onMatch func(signature string)) *ShieldRule {
	mode = strings.ToUpper(strings.TrimSpace(mode))
	if mode != ShieldDryRun {
		mode = ShieldLive
	}
	return &ShieldRule{mode: mode, onMatch: onMatch}
}

func (r *ShieldRule) Name() string { return RuleShield }

func (r *ShieldRule) Evaluate(_ context.Context, d Descriptor) (Verdict, error) {
	fields := []string{d.Path, d.Query, strings.ToLower(d.UserAgent)}
	for _, sig := range shieldSignatures {
		matched := false
		for _, field := range fields {
			if field != "" && sig.pattern.MatchString(field) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if r.onMatch != nil {
			r.onMatch(sig.name)
		}
		if r.mode == ShieldDryRun {
			return allow(), nil
		}
		return deny(RuleShield, "request matched attack signature"), nil
	}
	return allow(), nil
}
