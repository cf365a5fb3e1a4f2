package admission

import (
	"context"
	"strings"
)

const RuleBot = "bot"

// Agent categories. Clients may declare one explicitly via the
// X-Agent-Category header; otherwise the rule derives it from the
// User-Agent string.
const (
	CategorySearchEngine = "CATEGORY:SEARCH_ENGINE"
	CategoryPreview      = "CATEGORY:PREVIEW"
	CategoryAutomated    = "CATEGORY:AUTOMATED"
)

var searchEngineAgents = []string{
	"googlebot", "bingbot", "duckduckbot", "yandexbot", "baiduspider", "applebot",
}

var previewAgents = []string{
	"slackbot", "twitterbot", "facebookexternalhit", "discordbot", "whatsapp", "telegrambot", "linkedinbot",
}

var automatedAgents = []string{
	"curl/", "wget/", "python-requests", "python-urllib", "go-http-client", "okhttp", "libwww-perl", "scrapy", "httpclient",
}

// BotRule denies disallowed automated clients. Categories on the
// allow-list pass this step only; the rate rules downstream still apply
// to them. Non-bot traffic passes untouched.
type BotRule struct {
	allow map[string]struct{}
}

func NewBotRule(allowList []string) *BotRule {
	allow := make(map[string]struct{}, len(allowList))
	for _, category := range allowList {
		category = strings.ToUpper(strings.TrimSpace(category))
		if category != "" {
			allow[category] = struct{}{}
		}
	}
	return &BotRule{allow: allow}
}

func (r *BotRule) Name() string { return RuleBot }

func (r *BotRule) Evaluate(_ context.Context, d Descriptor) (Verdict, error) {
	category := classifyAgent(d)
	if category == "" {
		return allow(), nil
	}
	if _, ok := r.allow[category]; ok {
		return allow(), nil
	}
	return deny(RuleBot, "automated client not permitted"), nil
}

// classifyAgent prefers the declared category; a declared non-bot is
// still classified from its User-Agent so a curl client cannot opt out
// by omitting the header.
func classifyAgent(d Descriptor) string {
	if declared := strings.ToUpper(strings.TrimSpace(d.AgentCategory)); declared != "" {
		return declared
	}
	ua := strings.ToLower(strings.TrimSpace(d.UserAgent))
	if ua == "" {
		return CategoryAutomated
	}
	for _, marker := range searchEngineAgents {
		if strings.Contains(ua, marker) {
			return CategorySearchEngine
		}
	}
	for _, marker := range previewAgents {
		if strings.Contains(ua, marker) {
			return CategoryPreview
		}
	}
	for _, marker := range automatedAgents {
		if strings.Contains(ua, marker) {
			return CategoryAutomated
		}
	}
	if strings.Contains(ua, "bot") || strings.Contains(ua, "crawler") || strings.Contains(ua, "spider") {
		return CategoryAutomated
	}
	return ""
}
