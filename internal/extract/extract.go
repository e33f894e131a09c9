// Package extract classifies request text with fixed keyword tables. It never
// calls out to a model, so the same title and body always yield the same
// result.
package extract

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"issueforge/internal/domain"
)

// System kinds. DefaultSystemKind is used when no keyword matches.
const (
	KindAPI    = "api_system"
	KindWeb    = "web_system"
	KindAI     = "ai_system"
	KindMobile = "mobile_system"

	DefaultSystemKind = KindWeb
)

// Effort buckets.
const (
	EffortSmall  = "small"
	EffortMedium = "medium"
	EffortLarge  = "large"
)

type rule struct {
	value string
	words []string
}

// First matching rule wins.
var kindRules = []rule{
	{KindAPI, []string{"api", "backend", "server"}},
	{KindWeb, []string{"web", "frontend", "ui", "interface"}},
	{KindAI, []string{"bot", "chat", "ai", "chatbot"}},
	{KindMobile, []string{"mobile", "app", "android", "ios"}},
}

var effortRules = []rule{
	{EffortLarge, []string{"microservice", "microservices", "blockchain", "ai", "ml", "machine learning"}},
	{EffortMedium, []string{"api", "database", "web", "backend"}},
	{EffortSmall, []string{"simple", "basic", "シンプル"}},
}

// Technologies in report order.
var techRules = []rule{
	{"FastAPI", []string{"fastapi"}},
	{"Django", []string{"django"}},
	{"Flask", []string{"flask"}},
	{"React", []string{"react"}},
	{"Vue.js", []string{"vue", "vuejs"}},
	{"Angular", []string{"angular"}},
	{"Node.js", []string{"nodejs", "node.js"}},
	{"Python", []string{"python"}},
	{"JavaScript", []string{"javascript"}},
	{"TypeScript", []string{"typescript"}},
	{"Go", []string{"go", "golang"}},
	{"PostgreSQL", []string{"postgresql", "postgres"}},
	{"MySQL", []string{"mysql"}},
	{"MongoDB", []string{"mongodb"}},
	{"Docker", []string{"docker"}},
	{"Kubernetes", []string{"kubernetes", "k8s"}},
}

var (
	highWords = []string{"urgent", "critical", "緊急"}
	lowWords  = []string{"low", "低"}
)

// Priority labels override body heuristics.
const (
	LabelHighPriority = "high-priority"
	LabelLowPriority  = "low-priority"
)

type text struct {
	lower  string
	tokens map[string]bool
}

func newText(parts ...string) text {
	lower := strings.ToLower(strings.Join(parts, " "))
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.'
	})
	tokens := make(map[string]bool, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".")
		if f != "" {
			tokens[f] = true
		}
	}
	return text{lower: lower, tokens: tokens}
}

// has matches ASCII keywords as whole words. Multi-word and non-ASCII
// keywords match as substrings since CJK text has no word separators.
func (t text) has(word string) bool {
	if strings.Contains(word, " ") || !isASCII(word) {
		return strings.Contains(t.lower, word)
	}
	return t.tokens[word]
}

func (t text) any(words []string) bool {
	for _, w := range words {
		if t.has(w) {
			return true
		}
	}
	return false
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func firstMatch(t text, rules []rule, fallback string) string {
	for _, r := range rules {
		if t.any(r.words) {
			return r.value
		}
	}
	return fallback
}

// Extract derives the structured record of a request from its title and body.
func Extract(title, body string) domain.Extracted {
	t := newText(CleanTitle(title), body)
	techs := []string{}
	for _, r := range techRules {
		if t.any(r.words) {
			techs = append(techs, r.value)
		}
	}
	return domain.Extracted{
		SystemKind:   firstMatch(t, kindRules, DefaultSystemKind),
		Technologies: techs,
		Effort:       firstMatch(t, effortRules, EffortMedium),
	}
}

// Priority derives a priority from labels first, then from the text.
func Priority(title, body string, labels []string) domain.Priority {
	for _, l := range labels {
		switch strings.ToLower(strings.TrimSpace(l)) {
		case LabelHighPriority:
			return domain.PriorityHigh
		case LabelLowPriority:
			return domain.PriorityLow
		}
	}
	t := newText(title, body)
	switch {
	case t.any(highWords):
		return domain.PriorityHigh
	case t.any(lowWords):
		return domain.PriorityLow
	}
	return domain.PriorityNormal
}

const titleTag = "[SYSTEM-GEN]"

// CleanTitle strips the submission tag some request templates prepend.
func CleanTitle(title string) string {
	if i := strings.Index(strings.ToUpper(title), titleTag); i >= 0 {
		title = title[:i] + title[i+len(titleTag):]
	}
	return strings.TrimSpace(title)
}

// Slug lowercases title and collapses every run of non [a-z0-9] to one hyphen.
func Slug(title string) string {
	var b strings.Builder
	hyphen := false
	for _, r := range strings.ToLower(CleanTitle(title)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			hyphen = false
			continue
		}
		if !hyphen && b.Len() > 0 {
			b.WriteByte('-')
			hyphen = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// MaxRepoName bounds generated repository names.
const MaxRepoName = 80

// RepoName builds <slug>-<request_id>-<suffix>, shortening the slug so the
// whole name fits MaxRepoName.
func RepoName(title string, requestID int64, suffix string) string {
	slug := Slug(title)
	if slug == "" {
		slug = "request"
	}
	tail := fmt.Sprintf("-%s-%s", strconv.FormatInt(requestID, 10), strings.ToLower(suffix))
	if room := MaxRepoName - len(tail); len(slug) > room {
		if room < 1 {
			room = 1
		}
		slug = strings.TrimRight(slug[:room], "-")
	}
	name := slug + tail
	if len(name) > MaxRepoName {
		name = name[:MaxRepoName]
	}
	return name
}
