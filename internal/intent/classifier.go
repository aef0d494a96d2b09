// Package intent classifies inbound messages into confirm/cancel/none
// through an ordered chain of matcher strategies. Matchers are independent
// so each is testable on its own; the first match wins.
package intent

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/attendly/confirm-engine/internal/domain"
)

// Button payload prefixes written into outbound templates; replies echo
// them back with the appointment id appended, e.g. "confirm_42".
const (
	ConfirmPayloadPrefix = "confirm_"
	CancelPayloadPrefix  = "cancel_"
)

// Message is the classifier's view of one flattened inbound message.
type Message struct {
	Text          string
	ButtonPayload string
	ButtonText    string
	ListTitle     string
}

// Matcher inspects one signal of the message and reports an intent.
type Matcher interface {
	Match(msg Message) domain.Intent
	Name() string
}

// Classifier runs its matchers in priority order.
type Classifier struct {
	matchers []Matcher
}

// NewClassifier builds the default chain: button payload id (most
// reliable), then keyword sets over free text, then button/list titles.
func NewClassifier(confirmKeywords, cancelKeywords []string) *Classifier {
	return &Classifier{
		matchers: []Matcher{
			payloadMatcher{},
			keywordMatcher{confirm: normalizeKeywords(confirmKeywords), cancel: normalizeKeywords(cancelKeywords)},
			titleMatcher{confirm: normalizeKeywords(confirmKeywords), cancel: normalizeKeywords(cancelKeywords)},
		},
	}
}

// Classify returns the first matched intent and the matcher that fired.
func (c *Classifier) Classify(msg Message) (domain.Intent, string) {
	for _, m := range c.matchers {
		if got := m.Match(msg); got != domain.IntentNone {
			return got, m.Name()
		}
	}
	return domain.IntentNone, ""
}

// AppointmentIDFromPayload extracts an appointment id embedded in a
// button payload, when parseable.
func AppointmentIDFromPayload(payload string) (int64, bool) {
	p := strings.ToLower(strings.TrimSpace(payload))
	for _, prefix := range []string{ConfirmPayloadPrefix, CancelPayloadPrefix} {
		if rest, ok := strings.CutPrefix(p, prefix); ok {
			id, err := strconv.ParseInt(rest, 10, 64)
			if err == nil && id > 0 {
				return id, true
			}
		}
	}
	return 0, false
}

type payloadMatcher struct{}

func (payloadMatcher) Name() string { return "payload" }

func (payloadMatcher) Match(msg Message) domain.Intent {
	p := strings.ToLower(strings.TrimSpace(msg.ButtonPayload))
	switch {
	case p == "":
		return domain.IntentNone
	case strings.HasPrefix(p, ConfirmPayloadPrefix) || p == "confirm":
		return domain.IntentConfirm
	case strings.HasPrefix(p, CancelPayloadPrefix) || p == "cancel":
		return domain.IntentCancel
	}
	return domain.IntentNone
}

type keywordMatcher struct {
	confirm []string
	cancel  []string
}

func (keywordMatcher) Name() string { return "keyword" }

func (m keywordMatcher) Match(msg Message) domain.Intent {
	return matchKeywords(msg.Text, m.confirm, m.cancel)
}

type titleMatcher struct {
	confirm []string
	cancel  []string
}

func (titleMatcher) Name() string { return "title" }

func (m titleMatcher) Match(msg Message) domain.Intent {
	for _, title := range []string{msg.ButtonText, msg.ListTitle} {
		if got := matchKeywords(title, m.confirm, m.cancel); got != domain.IntentNone {
			return got
		}
	}
	return domain.IntentNone
}

// matchKeywords is case-insensitive. Single-word keywords must match a
// whole word, so "no" never fires inside "boa noite". Keywords with
// spaces fall back to substring matching. Cancel keywords are checked
// first so a reply like "nao confirmo" cancels rather than confirms.
func matchKeywords(text string, confirm, cancel []string) domain.Intent {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return domain.IntentNone
	}
	words := wordSet(normalized)
	for _, kw := range cancel {
		if keywordHit(normalized, words, kw) {
			return domain.IntentCancel
		}
	}
	for _, kw := range confirm {
		if keywordHit(normalized, words, kw) {
			return domain.IntentConfirm
		}
	}
	return domain.IntentNone
}

func keywordHit(text string, words map[string]struct{}, kw string) bool {
	if strings.Contains(kw, " ") {
		return strings.Contains(text, kw)
	}
	_, ok := words[kw]
	return ok
}

func wordSet(text string) map[string]struct{} {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	words := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		words[f] = struct{}{}
	}
	return words
}

func normalizeKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			out = append(out, kw)
		}
	}
	return out
}
