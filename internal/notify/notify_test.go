package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/hochfrequenz/claude-issue-orchestrator/internal/config"
	"github.com/hochfrequenz/claude-issue-orchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSlackMessage(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := BuildSlackMessage(Notification{
		Title:    "ENG-42: implement finished",
		Message:  "Fix timeout",
		Type:     NotifySuccess,
		IssueKey: "ENG-42",
		PRURL:    "https://github.com/acme/svc/pull/7",
	}, now)

	assert.Equal(t, "ENG-42: implement finished", msg.Text)
	require.Len(t, msg.Attachments, 1)
	att := msg.Attachments[0]
	assert.Equal(t, "good", att.Color)
	assert.Equal(t, now.Unix(), att.TS)
	require.Len(t, att.Fields, 1)
	assert.Equal(t, "<https://github.com/acme/svc/pull/7|#7>", att.Fields[0].Value)

	plain := BuildSlackMessage(Notification{Title: "ENG-42: plan ready"}, now)
	assert.Empty(t, plain.Attachments[0].Fields)
}

func TestSlackNotifier_Send(t *testing.T) {
	var got SlackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL)
	err := notifier.Send(context.Background(), Notification{
		Title:    "ENG-42: implement finished",
		Message:  "Fix timeout",
		Type:     NotifySuccess,
		IssueKey: "ENG-42",
		PRURL:    "https://github.com/acme/svc/pull/7",
	})
	require.NoError(t, err)

	assert.Equal(t, "ENG-42: implement finished", got.Text)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "ENG-42", got.Attachments[0].Title)
	assert.Equal(t, "Fix timeout", got.Attachments[0].Text)
	assert.Equal(t, "Pull request", got.Attachments[0].Fields[0].Title)
}

func TestSlackNotifier_Non200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("invalid_token"))
	}))
	defer server.Close()

	err := NewSlackNotifier(server.URL).Send(context.Background(), Notification{Title: "x"})
	assert.ErrorContains(t, err, "403: invalid_token")
}

func TestNotificationTypeColors(t *testing.T) {
	tests := []struct {
		typ  NotificationType
		want string
	}{
		{NotifySuccess, "good"},
		{NotifyWarning, "warning"},
		{NotifyError, "danger"},
		{NotifyInfo, "#439FE0"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SlackColor(tt.typ))
	}
}

func TestDesktopNotifier_Disabled(t *testing.T) {
	d := NewDesktopNotifier(false)
	d.command = func(context.Context, string, ...string) error {
		t.Fatal("disabled notifier must not run a command")
		return nil
	}
	assert.NoError(t, d.Send(context.Background(), Notification{Title: "x"}))
}

func TestMultiNotifier(t *testing.T) {
	var called []string

	mock1 := &mockNotifier{name: "mock1", calls: &called}
	mock2 := &mockNotifier{name: "mock2", calls: &called, err: errors.New("boom")}

	multi := NewMultiNotifier(mock1, mock2)
	err := multi.Send(context.Background(), Notification{Title: "Test"})

	assert.Equal(t, []string{"mock1", "mock2"}, called)
	assert.ErrorContains(t, err, "boom")
}

func TestForOutcome(t *testing.T) {
	rec := domain.NewTaskRecord(domain.IssueSnapshot{Key: "ENG-42", Summary: "Fix timeout"}, "svc", "b", "main")

	rec.Status = domain.StatusComplete
	rec.PRURL = "https://github.com/acme/svc/pull/7"
	n := ForOutcome(rec, domain.ModeImplement)
	assert.Equal(t, NotifySuccess, n.Type)
	assert.Equal(t, "ENG-42: implement finished", n.Title)
	assert.Contains(t, n.Message, "pull/7")

	rec.Status = domain.StatusPlanComplete
	assert.Equal(t, "ENG-42: plan ready", ForOutcome(rec, domain.ModePlan).Title)

	rec.Status = domain.StatusCancelled
	assert.Equal(t, NotifyWarning, ForOutcome(rec, domain.ModeImplement).Type)

	rec.Status = domain.StatusError
	rec.Error = "git push: rejected"
	n = ForOutcome(rec, domain.ModeFeedback)
	assert.Equal(t, NotifyError, n.Type)
	assert.Equal(t, "git push: rejected", n.Message)
}

func TestFromConfig(t *testing.T) {
	assert.IsType(t, NoopNotifier{}, FromConfig(config.NotificationsConfig{}))
	assert.IsType(t, &MultiNotifier{}, FromConfig(config.NotificationsConfig{SlackWebhook: "http://x"}))
}

type mockNotifier struct {
	name  string
	calls *[]string
	err   error
}

func (m *mockNotifier) Send(_ context.Context, n Notification) error {
	*m.calls = append(*m.calls, m.name)
	return m.err
}

func TestDesktopNotifier_NotifySend(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("notify-send is used on linux only")
	}
	var name string
	var args []string
	d := NewDesktopNotifier(true)
	d.command = func(_ context.Context, n string, a ...string) error {
		name, args = n, a
		return nil
	}

	require.NoError(t, d.Send(context.Background(), Notification{Title: "ENG-42: implement failed", Message: "push rejected", Type: NotifyError}))
	assert.Equal(t, "notify-send", name)
	assert.Equal(t, []string{
		"--app-name", "Issue Orchestrator",
		"--urgency", "critical",
		"--icon", "dialog-error",
		"ENG-42: implement failed", "push rejected",
	}, args)
}
