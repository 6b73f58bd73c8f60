package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"klinefeed/internal/breaker"
)

func TestBreakerAlert(t *testing.T) {
	tests := []struct {
		from, to breaker.State
		ok       bool
		level    AlertLevel
	}{
		{breaker.StateClosed, breaker.StateOpen, true, AlertWarning},
		{breaker.StateHalfOpen, breaker.StateClosed, true, AlertInfo},
		{breaker.StateOpen, breaker.StateHalfOpen, false, ""},
		{breaker.StateHalfOpen, breaker.StateOpen, false, ""}, // failed probe, already alerted
	}
	for _, tc := range tests {
		t.Run(tc.from.String()+"->"+tc.to.String(), func(t *testing.T) {
			a, ok := BreakerAlert("yahoo", tc.from, tc.to)
			if ok != tc.ok || a.Level != tc.level {
				t.Errorf("got %+v %v", a, ok)
			}
			if ok && (!strings.HasPrefix(a.Title, "yahoo ") || a.Dependency != "yahoo") {
				t.Errorf("title = %q", a.Title)
			}
		})
	}
}

func TestWebhookNotifier(t *testing.T) {
	got := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		got <- body
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Send(context.Background(), Alert{Level: AlertWarning, Title: "binance unavailable", Message: "m"})
	if err != nil {
		t.Fatal(err)
	}
	body := <-got
	if body["level"] != "WARNING" || body["title"] != "binance unavailable" || body["service"] != "klinefeed" {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["dependency"]; ok {
		t.Error("empty dependency should be omitted")
	}
	if _, err := time.Parse(time.RFC3339Nano, body["ts"]); err != nil {
		t.Errorf("ts = %q", body["ts"])
	}
}

func TestWebhookNotifier_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL).Send(context.Background(), Alert{}); err == nil {
		t.Error("expected error on 502")
	}
}

func TestTelegramNotifier(t *testing.T) {
	type call struct {
		path string
		body telegramMessage
	}
	got := make(chan call, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body telegramMessage
		json.NewDecoder(r.Body).Decode(&body)
		got <- call{r.URL.Path, body}
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42")
	n.apiURL = srv.URL
	alert := Alert{Level: AlertInfo, Title: "redis recovered", Message: "v1.2", Dependency: "redis"}
	if err := n.Send(context.Background(), alert); err != nil {
		t.Fatal(err)
	}
	c := <-got
	if c.path != "/botTOKEN/sendMessage" || c.body.ChatID != "42" || c.body.ParseMode != "MarkdownV2" {
		t.Errorf("call = %+v", c)
	}
	if !strings.Contains(c.body.Text, `v1\.2`) || !strings.Contains(c.body.Text, "`redis`") {
		t.Errorf("text = %q", c.body.Text)
	}
	if !c.body.DisableNotification {
		t.Error("recovery should be silent")
	}
}

func TestTelegramNotifier_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42")
	n.apiURL = srv.URL
	err := n.Send(context.Background(), Alert{Level: AlertWarning, Title: "t"})
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Errorf("got %v", err)
	}
}

func TestEscapeMarkdown(t *testing.T) {
	if got := escapeMarkdown("a_b (c)!"); got != `a\_b \(c\)\!` {
		t.Errorf("got %q", got)
	}
}

type recorder struct {
	sent chan Alert
	err  error
}

func (r *recorder) Send(_ context.Context, a Alert) error {
	r.sent <- a
	return r.err
}

func TestMulti_JoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	a := &recorder{sent: make(chan Alert, 1), err: boom}
	b := &recorder{sent: make(chan Alert, 1)}
	err := Multi{a, b}.Send(context.Background(), Alert{Title: "x"})
	if !errors.Is(err, boom) {
		t.Errorf("got %v", err)
	}
	if len(b.sent) != 1 {
		t.Error("second notifier skipped after first failed")
	}
}

func TestDispatcher(t *testing.T) {
	rec := &recorder{sent: make(chan Alert, 4)}
	d := NewDispatcher(rec, 1, nil)

	// queue of one: the second alert is dropped before Run starts
	d.OnBreakerChange("polygon", breaker.StateClosed, breaker.StateOpen)
	d.OnBreakerChange("yahoo", breaker.StateClosed, breaker.StateOpen)
	d.OnBreakerChange("yahoo", breaker.StateOpen, breaker.StateHalfOpen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	select {
	case a := <-rec.sent:
		if a.Title != "polygon unavailable" || a.Time.IsZero() {
			t.Errorf("first alert = %+v", a)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("alert not delivered")
	}
	select {
	case a := <-rec.sent:
		t.Errorf("unexpected alert %+v", a)
	case <-time.After(50 * time.Millisecond):
	}
}
