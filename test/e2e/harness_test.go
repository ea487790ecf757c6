package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"dqalarm/internal/app"
	"dqalarm/internal/clock"
	"dqalarm/internal/config"
	"dqalarm/internal/notify"
	"dqalarm/test/testutil"
)

var unsubscribeLinkPattern = regexp.MustCompile(`https?://\S+/unsubscribe/\S+`)

// relay is an HTTP mail relay stub capturing every delivered email.
type relay struct {
	server *httptest.Server
	mu     sync.Mutex
	emails []notify.Email
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	r := &relay{}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var email notify.Email
		if err := json.NewDecoder(req.Body).Decode(&email); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		r.mu.Lock()
		r.emails = append(r.emails, email)
		r.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(r.server.Close)
	return r
}

func (r *relay) snapshot() []notify.Email {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Email(nil), r.emails...)
}

func (r *relay) reset() {
	r.mu.Lock()
	r.emails = nil
	r.mu.Unlock()
}

func recipientsOf(emails []notify.Email) []string {
	out := make([]string, 0, len(emails))
	for _, email := range emails {
		out = append(out, email.To)
	}
	return out
}

type serviceEnv struct {
	port    int
	baseURL string
	relay   *relay
}

func newServiceEnv(t *testing.T) serviceEnv {
	t.Helper()
	port, err := testutil.FreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	return serviceEnv{
		port:    port,
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		relay:   newRelay(t),
	}
}

// config renders a complete single-monitor config; extra sections are appended verbatim.
func (e serviceEnv) config(extra ...string) string {
	base := fmt.Sprintf(`[log.console]
level = "error"

[http]
enabled = true
listen = "127.0.0.1:%d"

[unsubscribe]
secret = "e2e-secret"
base_url = "%s/unsubscribe"

[notify]
enabled = true
sender = "http"

[notify.http]
url = "%s"

[notify.retry]
enabled = true
max_attempts = 2
initial_ms = 10
max_ms = 20

[metric.latency]
name = "Latency"
unit = "s"

[channel_group.ak]
name = "Alaska"
channels = ["AK.A.00.BHZ", "AK.B.00.BHZ"]

[monitor.lat]
name = "Alaska latency"
metric = "latency"
channel_group = "ak"
interval_type = "hour"
interval_count = 1
stat = "max"

[monitor.lat.trigger.high]
val1 = 5.0
value_operator = "greater_than"
num_channels_operator = "any"
level = 2
alert_on_out_of_alarm = true
emails = ["ops@example.org", "dq@example.org"]
`, e.port, e.baseURL, e.relay.server.URL)
	return strings.Join(append([]string{base}, extra...), "\n")
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dqalarm.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// newServiceFromConfig creates Service from file config path.
func newServiceFromConfig(t *testing.T, path string) *app.Service {
	t.Helper()
	source, err := config.FromCLI(path, "")
	if err != nil {
		t.Fatalf("config source: %v", err)
	}
	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

// runService starts service in background and waits for readiness.
// Returns: stop callback asserting a clean shutdown.
func runService(t *testing.T, service *app.Service, baseURL string) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- service.Run(ctx)
	}()
	testutil.WaitFor(t, 8*time.Second, func() bool {
		response, err := http.Get(baseURL + "/readyz")
		if err != nil {
			return false
		}
		defer response.Body.Close()
		return response.StatusCode == http.StatusOK
	})

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case runErr := <-done:
				if runErr != nil {
					t.Errorf("service run error: %v", runErr)
				}
			case <-time.After(8 * time.Second):
				t.Errorf("service did not stop after cancel")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func postMeasurement(t *testing.T, baseURL, channel string, value float64, start time.Time) {
	t.Helper()
	body := fmt.Sprintf(`{"metric":"latency","channel":%q,"value":%g,"starttime":%q,"endtime":%q}`,
		channel, value, start.Format(time.RFC3339), start.Add(time.Minute).Format(time.RFC3339))
	response, err := http.Post(baseURL+"/measurements", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post measurement: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusAccepted {
		payload, _ := io.ReadAll(response.Body)
		t.Fatalf("post measurement: status %d: %s", response.StatusCode, payload)
	}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	response, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer response.Body.Close()
	if out != nil && response.StatusCode == http.StatusOK {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return response.StatusCode
}

func cycleEndtime() time.Time {
	return time.Now().UTC().Truncate(time.Minute)
}
