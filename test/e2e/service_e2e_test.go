package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"testing"
	"time"

	"dqalarm/internal/domain"
	"dqalarm/internal/unsubscribe"
	"dqalarm/test/testutil"
)

func TestServiceAlarmNotifyUnsubscribeFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("e2e test")
	}

	env := newServiceEnv(t)
	service := newServiceFromConfig(t, writeConfig(t, env.config()))
	stop := runService(t, service, env.baseURL)
	defer stop()

	endtime := cycleEndtime()
	postMeasurement(t, env.baseURL, "AK.A.00.BHZ", 12, endtime.Add(-10*time.Minute))
	postMeasurement(t, env.baseURL, "AK.B.00.BHZ", 1, endtime.Add(-10*time.Minute))

	report, err := service.Manager().RunCycle(context.Background(), nil, endtime)
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if !report.Results[0].Triggers[0].Created {
		t.Fatalf("expected a new in-alarm alert")
	}

	emails := env.relay.snapshot()
	got := recipientsOf(emails)
	slices.Sort(got)
	if strings.Join(got, ",") != "dq@example.org,ops@example.org" {
		t.Fatalf("unexpected recipients %v", got)
	}
	var opsBody, opsSubject string
	for _, email := range emails {
		if !email.InAlarm || email.TriggerID != "lat.high" {
			t.Fatalf("unexpected email %+v", email)
		}
		if email.To == "ops@example.org" {
			opsBody, opsSubject = email.Body, email.Subject
		}
	}
	if !strings.Contains(opsSubject, "ALARM") || !strings.Contains(opsSubject, "L2") {
		t.Fatalf("unexpected subject %q", opsSubject)
	}
	if !strings.Contains(opsBody, "AK.A.00.BHZ") {
		t.Fatalf("expected breaching channel in body:\n%s", opsBody)
	}

	link := unsubscribeLinkPattern.FindString(opsBody)
	if link == "" {
		t.Fatalf("no unsubscribe link in body:\n%s", opsBody)
	}
	confirm, err := http.Get(link)
	if err != nil {
		t.Fatalf("open unsubscribe link: %v", err)
	}
	_ = confirm.Body.Close()
	if confirm.StatusCode != http.StatusOK {
		t.Fatalf("confirmation page: status %d", confirm.StatusCode)
	}

	parsed, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	form := url.Values{"token": {parsed.Query().Get("token")}, "email": {"ops@example.org"}}
	submit, err := http.PostForm(env.baseURL+parsed.Path, form)
	if err != nil {
		t.Fatalf("submit unsubscribe: %v", err)
	}
	_ = submit.Body.Close()
	if submit.StatusCode != http.StatusOK {
		t.Fatalf("unsubscribe: status %d", submit.StatusCode)
	}

	env.relay.reset()
	// Two hours later the window holds no measurements, so the alarm clears.
	cleared, err := service.Manager().RunCycle(context.Background(), nil, endtime.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if result := cleared.Results[0].Triggers[0]; result.InAlarm || !result.Created {
		t.Fatalf("expected out-of-alarm transition, got %+v", result)
	}
	if got := recipientsOf(env.relay.snapshot()); strings.Join(got, ",") != "dq@example.org" {
		t.Fatalf("unsubscribed recipient must not be notified, got %v", got)
	}

	var alerts []domain.Alert
	if status := getJSON(t, env.baseURL+"/api/v1/triggers/lat.high/alerts?limit=10", &alerts); status != http.StatusOK {
		t.Fatalf("history: status %d", status)
	}
	if len(alerts) != 2 || alerts[0].InAlarm || !alerts[1].InAlarm || alerts[0].ID <= alerts[1].ID {
		t.Fatalf("expected newest-first out/in alarm history, got %+v", alerts)
	}
}

func TestServiceRedisRecipientsSurviveRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("e2e test")
	}

	redisServer := testutil.StartRedis(t)
	env := newServiceEnv(t)
	path := writeConfig(t, env.config(`
[ledger]
lock = "redis"

[recipients]
store = "redis"

[redis]
addrs = ["`+redisServer.Addr()+`"]
prefix = "e2e:"
`))

	first := newServiceFromConfig(t, path)
	stopFirst := runService(t, first, env.baseURL)

	tokens, err := unsubscribe.NewTokenService("e2e-secret", env.baseURL+"/unsubscribe")
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	token, err := tokens.Issue("lat.high", "ops@example.org")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	body, _ := json.Marshal(unsubscribe.Request{Email: "ops@example.org", Token: token, All: true})
	response, err := http.Post(env.baseURL+"/unsubscribe/lat.high", "application/json", strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	_ = response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unsubscribe: status %d", response.StatusCode)
	}
	stopFirst()

	second := newServiceFromConfig(t, path)
	stopSecond := runService(t, second, env.baseURL)
	defer stopSecond()

	endtime := cycleEndtime()
	postMeasurement(t, env.baseURL, "AK.B.00.BHZ", 40, endtime.Add(-5*time.Minute))
	if _, err := second.Manager().RunCycle(context.Background(), []string{"lat"}, endtime); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if got := recipientsOf(env.relay.snapshot()); strings.Join(got, ",") != "dq@example.org" {
		t.Fatalf("removal must persist across restarts, got %v", got)
	}
	if !redisServer.Exists("e2e:unsubscribed:lat.high") {
		t.Fatalf("expected removal set in redis, keys: %v", redisServer.Keys())
	}
}
