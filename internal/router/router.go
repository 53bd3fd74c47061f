// Package router selects exactly one response handler for an inbound message.
// Routing is a deterministic rule table evaluated top to bottom, not a
// statistical classifier: identical inputs always produce the same decision.
package router

import (
	"log/slog"
	"strings"

	"grove/internal/domain"
	"grove/internal/registry"
)

// How many trailing window messages the crisis check also scans. Distress
// expressed one message ago still routes the follow-up to the crisis handler.
const crisisWindowTail = 3

// Rule names the step that produced a decision. Logged, never persisted.
type Rule string

const (
	RuleCrisis   Rule = "crisis"
	RuleTrigger  Rule = "explicit-trigger"
	RuleVision   Rule = "content-type"
	RuleTier     Rule = "tier-scan"
	RuleFallback Rule = "fallback"
	RuleNone     Rule = "none"
)

// Decision is the ephemeral routing outcome for one message.
type Decision struct {
	MessageID         string
	HandlerID         string
	Tier              registry.Tier
	Rule              Rule
	MatchedIndicators []string
	Score             float64
}

// Routed reports whether a handler was selected.
func (d Decision) Routed() bool { return d.HandlerID != "" }

// Router maps an inbound message plus recent context to a handler.
type Router struct {
	registry *registry.Registry
	logger   *slog.Logger
}

func New(reg *registry.Registry, logger *slog.Logger) *Router {
	return &Router{registry: reg, logger: logger}
}

// Route applies the priority steps in order, first match wins:
// crisis, explicit trigger, image content-type, tier scan, router-mode or
// mention fallback. An explicit handler-name trigger outranks the image rule;
// only the crisis check outranks it.
func (r *Router) Route(msg domain.InboundMessage, window []domain.Message, routerMode bool) Decision {
	handlers := r.registry.List() // tier order, deterministic

	body := matchText(msg)

	// Step 1: crisis check. Unconditional precedence over every other rule,
	// including explicit triggers and attachments. Scans the current message
	// and the tail of the window.
	crisisText := body
	for i, n := len(window)-1, 0; i >= 0 && n < crisisWindowTail; i, n = i-1, n+1 {
		if !window[i].IsResponse {
			crisisText += "\n" + strings.ToLower(window[i].Body)
		}
	}
	for _, h := range handlers {
		if h.Tier != registry.TierCrisis {
			break // list is tier-ordered
		}
		if matched := matchKeywords(crisisText, h.TriggerKeywords); len(matched) > 0 {
			return r.decided(msg, h, RuleCrisis, matched, 1.0)
		}
	}

	// Step 2: explicit trigger — the user named a handler in the typed body.
	// Attachment text is out of scope here: a pasted file that mentions a
	// handler name must not redirect the reply.
	typed := strings.ToLower(msg.Body)
	for _, h := range handlers {
		if containsToken(typed, strings.ToLower(h.ID)) || containsToken(typed, strings.ToLower(h.DisplayName)) {
			return r.decided(msg, h, RuleTrigger, []string{h.ID}, 1.0)
		}
	}

	// Step 3: image attachments go to the vision handler.
	if msg.Message().HasImage() {
		for _, h := range handlers {
			if h.HasCapability(registry.CapVision) {
				return r.decided(msg, h, RuleVision, []string{"attachment:image"}, 1.0)
			}
		}
	}

	// Step 4: tiered indicator scan, Safety downward. Within a tier the
	// higher confidence threshold wins ties (more specialized handler);
	// otherwise list order decides.
	var best *registry.Descriptor
	var bestMatched []string
	for i := range handlers {
		h := handlers[i]
		if h.Tier == registry.TierCrisis {
			continue
		}
		if best != nil && h.Tier != best.Tier {
			break // finished the first tier that produced a match
		}
		matched := matchKeywords(body, h.TriggerKeywords)
		if len(matched) == 0 {
			continue
		}
		if best == nil || h.Confidence > best.Confidence {
			best = &handlers[i]
			bestMatched = matched
		}
	}
	if best != nil {
		return r.decided(msg, *best, RuleTier, bestMatched, 1.0)
	}

	// Step 5: router mode, or an addressed message with no tier match.
	if routerMode || msg.IsDM || msg.MentionsBot {
		return r.decided(msg, r.registry.Fallback(), RuleFallback, nil, 0)
	}

	// Step 6: not addressed, nothing matched. The message still lands in
	// history as a plain human message; no handler is invoked.
	return Decision{MessageID: msg.ID, Rule: RuleNone}
}

func (r *Router) decided(msg domain.InboundMessage, h registry.Descriptor, rule Rule, matched []string, score float64) Decision {
	d := Decision{
		MessageID:         msg.ID,
		HandlerID:         h.ID,
		Tier:              h.Tier,
		Rule:              rule,
		MatchedIndicators: matched,
		Score:             score,
	}
	r.logger.Debug("routed message",
		"message", msg.ID,
		"handler", d.HandlerID,
		"tier", d.Tier.String(),
		"rule", string(d.Rule),
		"indicators", d.MatchedIndicators,
	)
	return d
}

// matchText folds the message body and attachment text into one lowercase
// haystack.
func matchText(msg domain.InboundMessage) string {
	var sb strings.Builder
	sb.WriteString(msg.Body)
	for _, a := range msg.Attachments {
		if a.ExtractedText != "" {
			sb.WriteByte('\n')
			sb.WriteString(a.ExtractedText)
		}
	}
	return strings.ToLower(sb.String())
}

// matchKeywords returns the keywords found in text, preserving keyword order.
func matchKeywords(text string, keywords []string) []string {
	var matched []string
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(text, strings.ToLower(kw)) {
			matched = append(matched, kw)
		}
	}
	return matched
}

// containsToken reports whether word appears in text as a whole token
// (bounded by non-alphanumeric runes), so "gemini" matches "ask gemini!" but
// not "geminiform".
func containsToken(text, word string) bool {
	if word == "" {
		return false
	}
	for start := 0; ; {
		idx := strings.Index(text[start:], word)
		if idx < 0 {
			return false
		}
		idx += start
		before := idx == 0 || !isWordRune(text[idx-1])
		afterIdx := idx + len(word)
		after := afterIdx >= len(text) || !isWordRune(text[afterIdx])
		if before && after {
			return true
		}
		start = idx + 1
	}
}

func isWordRune(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_'
}
