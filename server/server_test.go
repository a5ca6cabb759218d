package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poemux/poemux/attachment"
	"github.com/poemux/poemux/core"
	"github.com/poemux/poemux/dispatch"
	"github.com/poemux/poemux/internal/testutil"
	"github.com/poemux/poemux/ratelimit"
	"github.com/poemux/poemux/retry"
	"github.com/poemux/poemux/tool"
	"github.com/poemux/poemux/upstream"
)

func newTestServer(t *testing.T, fu *testutil.FakeUpstream) *httptest.Server {
	t.Helper()
	d := dispatch.New(
		map[string]core.UpstreamClient{"fake": fu},
		func(o *dispatch.Options) {
			o.Limiter = ratelimit.New(func(lo *ratelimit.Options) { lo.RPM = 600_000 })
			o.Policy = retry.NewPolicy(1, ratelimit.NewBackoff(time.Millisecond, 2*time.Millisecond))
			o.Resolve = func(string) (upstream.ModelInfo, error) {
				return upstream.ModelInfo{Name: "Fake-Model", Provider: "fake", UpstreamID: "fake-model"}, nil
			}
			o.MaxHold = 100 * time.Millisecond
		},
	)
	registry, err := tool.NewRegistry(tool.Builtin(d, attachment.NewInMemoryStore(), "test")...)
	require.NoError(t, err)

	srv := New(d, registry, func(o *Options) { o.Version = "test" })
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestInvokeAsk(t *testing.T) {
	ts := newTestServer(t, testutil.NewFakeUpstream().Reply("hello"))

	resp, body := postJSON(t, ts.URL+"/invoke", `{"operation":"ask","args":{"prompt":"hi"}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	result := body["result"].(map[string]any)
	assert.Equal(t, "hello", result["text"])
	assert.NotEmpty(t, result["session_id"])
}

func TestInvokeUnknownOperation(t *testing.T) {
	ts := newTestServer(t, testutil.NewFakeUpstream())

	resp, body := postJSON(t, ts.URL+"/invoke", `{"operation":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	errObj := body["error"].(map[string]any)
	assert.Equal(t, "UNKNOWN_OPERATION", errObj["code"])
}

func TestInvokeValidationFailure(t *testing.T) {
	ts := newTestServer(t, testutil.NewFakeUpstream().Reply("never"))

	resp, body := postJSON(t, ts.URL+"/invoke", `{"operation":"ask","args":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	errObj := body["error"].(map[string]any)
	assert.Equal(t, "VALIDATION_ERROR", errObj["code"])
}

func TestInvokeAuthErrorMapsTo401(t *testing.T) {
	fu := testutil.NewFakeUpstream().FailWith(&core.UpstreamError{
		Code:     401,
		Category: core.CategoryAuthentication,
		Message:  "bad key",
	})
	ts := newTestServer(t, fu)

	resp, body := postJSON(t, ts.URL+"/invoke", `{"operation":"ask","args":{"prompt":"hi"}}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	errObj := body["error"].(map[string]any)
	assert.Equal(t, string(core.CategoryAuthentication), errObj["category"])
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, testutil.NewFakeUpstream())

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "closed", body["circuit_state"])
}

func TestMetricsAndReset(t *testing.T) {
	ts := newTestServer(t, testutil.NewFakeUpstream().Reply("hello"))

	_, _ = postJSON(t, ts.URL+"/invoke", `{"operation":"ask","args":{"prompt":"hi"}}`)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	var snap map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	resp.Body.Close()
	assert.Equal(t, float64(1), snap["total_requests"])

	resp2, body := postJSON(t, ts.URL+"/metrics/reset", "")
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, true, body["reset"])

	resp3, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp3.Body).Decode(&snap))
	resp3.Body.Close()
	assert.Equal(t, float64(0), snap["total_requests"])
}

// readSSE splits a full SSE body into its raw events.
func readSSE(t *testing.T, resp *http.Response) []string {
	t.Helper()
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	var events []string
	for _, chunk := range strings.Split(sb.String(), "\n\n") {
		if strings.TrimSpace(chunk) != "" {
			events = append(events, chunk)
		}
	}
	return events
}

func TestInvokeStream(t *testing.T) {
	fu := testutil.NewFakeUpstream().ReplyFragments(
		core.Fragment{Index: 0, Text: "Hel"},
		core.Fragment{Index: 1, Text: "lo"},
		core.Fragment{Index: 2, Finished: true, Usage: &core.Usage{TotalTokens: 5}},
	)
	ts := newTestServer(t, fu)

	resp, err := http.Post(ts.URL+"/invoke/stream", "application/json", strings.NewReader(`{"prompt":"hi"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readSSE(t, resp)
	require.Len(t, events, 3)
	assert.Contains(t, events[0], `"delta":"Hel"`)
	assert.Contains(t, events[1], `"delta":"lo"`)
	assert.Contains(t, events[2], `"finished":true`)
	assert.Contains(t, events[2], `"session_id"`)
}

func TestInvokeStreamDisconnect(t *testing.T) {
	fu := testutil.NewFakeUpstream().DisconnectAfter(
		core.Fragment{Index: 0, Text: "partial"},
	)
	ts := newTestServer(t, fu)

	resp, err := http.Post(ts.URL+"/invoke/stream", "application/json", strings.NewReader(`{"prompt":"hi"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	events := readSSE(t, resp)
	require.Len(t, events, 2)
	assert.Contains(t, events[0], `"delta":"partial"`)
	assert.Contains(t, events[1], "event: error")
	assert.Contains(t, events[1], string(core.CategoryStreamDisconnected))
	assert.Contains(t, events[1], `"last_offset":1`)
}

func TestInvokeStreamRequiresPrompt(t *testing.T) {
	ts := newTestServer(t, testutil.NewFakeUpstream())

	resp, err := http.Post(ts.URL+"/invoke/stream", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
