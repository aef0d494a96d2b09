package intent

import (
	"testing"

	"github.com/attendly/confirm-engine/internal/domain"
)

func testClassifier() *Classifier {
	return NewClassifier(
		[]string{"sim", "confirmo", "confirmar", "ok"},
		[]string{"nao", "não", "cancelar", "cancelo"},
	)
}

func TestClassifyButtonPayload(t *testing.T) {
	t.Parallel()

	c := testClassifier()

	cases := []struct {
		name    string
		msg     Message
		want    domain.Intent
		matcher string
	}{
		{"confirm payload with id", Message{ButtonPayload: "confirm_42"}, domain.IntentConfirm, "payload"},
		{"cancel payload with id", Message{ButtonPayload: "cancel_42"}, domain.IntentCancel, "payload"},
		{"bare confirm payload", Message{ButtonPayload: "CONFIRM"}, domain.IntentConfirm, "payload"},
		{"unknown payload falls through to title", Message{ButtonPayload: "option_9", ButtonText: "Confirmar"}, domain.IntentConfirm, "title"},
		{"payload wins over contradicting text", Message{ButtonPayload: "cancel_7", Text: "sim"}, domain.IntentCancel, "payload"},
	}

	for _, tc := range cases {
		got, matcher := c.Classify(tc.msg)
		if got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
		if matcher != tc.matcher {
			t.Errorf("%s: matched by %q, want %q", tc.name, matcher, tc.matcher)
		}
	}
}

func TestClassifyKeywords(t *testing.T) {
	t.Parallel()

	c := testClassifier()

	cases := []struct {
		text string
		want domain.Intent
	}{
		{"sim", domain.IntentConfirm},
		{"SIM, pode confirmar", domain.IntentConfirm},
		{"ok obrigado", domain.IntentConfirm},
		{"nao", domain.IntentCancel},
		{"preciso cancelar a consulta", domain.IntentCancel},
		// Cancel keywords take priority so a negated confirmation cancels.
		{"nao confirmo", domain.IntentCancel},
		{"qual o endereco?", domain.IntentNone},
		{"", domain.IntentNone},
	}

	for _, tc := range cases {
		if got, _ := c.Classify(Message{Text: tc.text}); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.text, got, tc.want)
		}
	}
}

func TestClassifyShortKeywordsMatchWholeWords(t *testing.T) {
	t.Parallel()

	c := NewClassifier(
		[]string{"sim", "ok", "yes"},
		[]string{"nao", "não", "no", "cancelar"},
	)

	cases := []struct {
		text string
		want domain.Intent
	}{
		{"no", domain.IntentCancel},
		{"No, cancel it", domain.IntentCancel},
		// Courtesy replies that merely contain a short keyword must not
		// be read as intent.
		{"boa noite", domain.IntentNone},
		{"nos vemos amanhã", domain.IntentNone},
		{"simpatico atendimento", domain.IntentNone},
		{"sim!", domain.IntentConfirm},
	}

	for _, tc := range cases {
		if got, _ := c.Classify(Message{Text: tc.text}); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.text, got, tc.want)
		}
	}
}

func TestClassifyListReplyTitle(t *testing.T) {
	t.Parallel()

	c := testClassifier()

	got, matcher := c.Classify(Message{ListTitle: "Cancelar consulta"})
	if got != domain.IntentCancel {
		t.Fatalf("expected cancel from list title, got %s", got)
	}
	if matcher != "title" {
		t.Errorf("expected title matcher, got %q", matcher)
	}
}

func TestAppointmentIDFromPayload(t *testing.T) {
	t.Parallel()

	cases := []struct {
		payload string
		wantID  int64
		wantOK  bool
	}{
		{"confirm_42", 42, true},
		{"cancel_7", 7, true},
		{"Confirm_101", 101, true},
		{"confirm_", 0, false},
		{"confirm_abc", 0, false},
		{"confirm_-3", 0, false},
		{"confirm_0", 0, false},
		{"sim", 0, false},
		{"", 0, false},
	}

	for _, tc := range cases {
		id, ok := AppointmentIDFromPayload(tc.payload)
		if ok != tc.wantOK || id != tc.wantID {
			t.Errorf("AppointmentIDFromPayload(%q) = %d/%v, want %d/%v", tc.payload, id, ok, tc.wantID, tc.wantOK)
		}
	}
}
