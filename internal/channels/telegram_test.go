package channels

import (
	"strings"
	"testing"
	"time"

	"github.com/basket/iron-claw/internal/hitl"
)

func TestParseHITLCallback(t *testing.T) {
	cases := []struct {
		name          string
		data          string
		wantRequestID string
		wantAction    string
		wantErr       bool
	}{
		{"valid", "hitl:hitl-ab12cd34:Retry", "hitl-ab12cd34", "Retry", false},
		{"action with spaces", "hitl:hitl-ab12cd34:I solved it", "hitl-ab12cd34", "I solved it", false},
		{"not ours", "plan:x:y", "", "", true},
		{"missing action", "hitl:hitl-ab12cd34", "", "", true},
		{"empty id", "hitl::Retry", "", "", true},
		{"empty action", "hitl:hitl-ab12cd34:", "", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			requestID, action, err := parseHITLCallback(tc.data)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if requestID != tc.wantRequestID || action != tc.wantAction {
				t.Fatalf("got (%q, %q), want (%q, %q)", requestID, action, tc.wantRequestID, tc.wantAction)
			}
		})
	}
}

func TestParseRespondCommand(t *testing.T) {
	requestID, action, err := parseRespondCommand("/respond hitl-ab12cd34 I solved it")
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if requestID != "hitl-ab12cd34" || action != "I solved it" {
		t.Fatalf("got (%q, %q)", requestID, action)
	}

	if _, _, err := parseRespondCommand("/respond hitl-ab12cd34"); err == nil {
		t.Fatal("missing action accepted")
	}
	if _, _, err := parseRespondCommand("/pending"); err == nil {
		t.Fatal("wrong command accepted")
	}
}

func TestEscapeMarkdownV2(t *testing.T) {
	got := escapeMarkdownV2("task_1 (retry) [now] #2 a.b!")
	want := `task\_1 \(retry\) \[now\] \#2 a\.b\!`
	if got != want {
		t.Errorf("escaped = %q, want %q", got, want)
	}
	if escapeMarkdownV2("plain words") != "plain words" {
		t.Error("plain text should pass through unchanged")
	}
}

func TestBuildOptionKeyboard(t *testing.T) {
	req := hitl.Request{
		RequestID: "hitl-ab12cd34",
		Options:   []string{"Retry", "Abort", "I solved it"},
	}
	keyboard := buildOptionKeyboard(req)
	if len(keyboard.InlineKeyboard) != 3 {
		t.Fatalf("rows = %d, want 3", len(keyboard.InlineKeyboard))
	}
	first := keyboard.InlineKeyboard[0][0]
	if first.Text != "Retry" {
		t.Errorf("button text = %q", first.Text)
	}
	if first.CallbackData == nil || *first.CallbackData != "hitl:hitl-ab12cd34:Retry" {
		t.Errorf("callback data = %v", first.CallbackData)
	}

	// Callback data stays within Telegram's 64-byte cap.
	long := hitl.Request{
		RequestID: "hitl-ab12cd34",
		Options:   []string{strings.Repeat("x", 100)},
	}
	keyboard = buildOptionKeyboard(long)
	if data := *keyboard.InlineKeyboard[0][0].CallbackData; len(data) > 64 {
		t.Errorf("callback data length = %d", len(data))
	}
}

func TestFormatInterventionMessage(t *testing.T) {
	req := hitl.Request{
		RequestID: "hitl-ab12cd34",
		TaskID:    "task-1",
		Kind:      "captcha",
		Message:   "solve the captcha",
		ExpiresAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	text := formatInterventionMessage(req)
	if !strings.Contains(text, "task\\-1") && !strings.Contains(text, "task-1") {
		t.Errorf("message missing task id: %q", text)
	}
	if !strings.Contains(text, "captcha") {
		t.Errorf("message missing kind: %q", text)
	}
	if strings.Contains(text, "screenshot") {
		t.Errorf("screenshot hint present without attachment: %q", text)
	}

	req.AttachmentB64 = "aGk="
	text = formatInterventionMessage(req)
	if !strings.Contains(text, "screenshot") {
		t.Errorf("screenshot hint missing with attachment: %q", text)
	}
}
