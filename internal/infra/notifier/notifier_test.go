package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"admission-engine/internal/resilience/circuitbreaker"
	"admission-engine/internal/resilience/retry"
	"admission-engine/pkg/monitor"
)

var testAlert = monitor.Alert{
	ID:        "a1",
	Type:      monitor.AlertCoordinatedAttack,
	Severity:  monitor.SeverityCritical,
	Message:   "6 sources exceeded limits on /api/login",
	Timestamp: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	Endpoint:  "/api/login",
	Attackers: []string{"10.0.0.1", "10.0.0.2"},
	Count:     6,
}

func fastRetry() retry.Config {
	return retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

// recordingServer replies with the scripted status codes in order and then 200.
type recordingServer struct {
	*httptest.Server
	mu         sync.Mutex
	statuses   []int
	bodies     [][]byte
	requestIDs []string
	hits       atomic.Int32
}

func newRecordingServer(t *testing.T, statuses ...int) *recordingServer {
	t.Helper()
	rs := &recordingServer{statuses: statuses}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(rs.hits.Add(1))
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r.Body)

		rs.mu.Lock()
		rs.bodies = append(rs.bodies, buf.Bytes())
		rs.requestIDs = append(rs.requestIDs, r.Header.Get("X-Request-ID"))
		rs.mu.Unlock()

		status := http.StatusOK
		if n <= len(rs.statuses) {
			status = rs.statuses[n-1]
		}
		if status == http.StatusTooManyRequests {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"message":"slow down","retry_after":0.001}`))
			return
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *recordingServer) lastBody(t *testing.T, v any) {
	t.Helper()
	rs.mu.Lock()
	defer rs.mu.Unlock()
	require.NotEmpty(t, rs.bodies)
	require.NoError(t, json.Unmarshal(rs.bodies[len(rs.bodies)-1], v))
}

func TestWebhookNotifier_Success(t *testing.T) {
	srv := newRecordingServer(t)
	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL, Retry: fastRetry()}, nil)

	require.NoError(t, n.Notify(context.Background(), testAlert))
	assert.Equal(t, int32(1), srv.hits.Load())

	var payload WebhookPayload
	srv.lastBody(t, &payload)
	assert.Equal(t, "admission-engine", payload.Source)
	assert.Equal(t, "a1", payload.Alert.ID)
	assert.Equal(t, testAlert.Attackers, payload.Alert.Attackers)
	assert.NotEmpty(t, srv.requestIDs[0])
}

func TestWebhookNotifier_RetriesServerErrors(t *testing.T) {
	srv := newRecordingServer(t, http.StatusBadGateway)
	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL, Retry: fastRetry()}, nil)

	require.NoError(t, n.Notify(context.Background(), testAlert))
	assert.Equal(t, int32(2), srv.hits.Load())
	assert.Equal(t, srv.requestIDs[0], srv.requestIDs[1], "attempts share a request ID")
}

func TestWebhookNotifier_HonoursRateLimit(t *testing.T) {
	srv := newRecordingServer(t, http.StatusTooManyRequests)
	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL, Retry: fastRetry()}, nil)

	require.NoError(t, n.Notify(context.Background(), testAlert))
	assert.Equal(t, int32(2), srv.hits.Load())
}

func TestWebhookNotifier_ClientErrorIsFinal(t *testing.T) {
	srv := newRecordingServer(t, http.StatusNotFound)
	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL, Retry: fastRetry()}, nil)

	err := n.Notify(context.Background(), testAlert)
	require.Error(t, err)

	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, http.StatusNotFound, clientErr.StatusCode)
	assert.Equal(t, int32(1), srv.hits.Load())
}

func TestWebhookNotifier_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	srv := newRecordingServer(t,
		http.StatusInternalServerError, http.StatusInternalServerError, http.StatusInternalServerError)
	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL, Retry: fastRetry()}, nil)

	err := n.Notify(context.Background(), testAlert)
	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, int32(3), srv.hits.Load())

	err = n.Notify(context.Background(), testAlert)
	require.Error(t, err)
	assert.True(t, circuitbreaker.IsRejected(err))
	assert.Equal(t, int32(3), srv.hits.Load(), "open breaker does not reach the server")
}

func TestWebhookNotifier_CancelledContext(t *testing.T) {
	srv := newRecordingServer(t)
	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL, Retry: fastRetry()}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := n.Notify(ctx, testAlert)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, srv.hits.Load())
}

func TestDiscordNotifier_Payload(t *testing.T) {
	srv := newRecordingServer(t)
	n := NewDiscordNotifier(DiscordConfig{Enabled: true, WebhookURL: srv.URL, Retry: fastRetry()}, nil)

	require.NoError(t, n.Notify(context.Background(), testAlert))

	var payload DiscordWebhookPayload
	srv.lastBody(t, &payload)
	require.Len(t, payload.Embeds, 1)

	embed := payload.Embeds[0]
	assert.Equal(t, "[CRITICAL] COORDINATED_ATTACK", embed.Title)
	assert.Equal(t, testAlert.Message, embed.Description)
	assert.Equal(t, 0xED4245, embed.Color)
	assert.Equal(t, "2024-01-01T12:00:00Z", embed.Timestamp)
	assert.Equal(t, "alert a1", embed.Footer.Text)
	assert.Contains(t, embed.Fields, DiscordEmbedField{Name: "Endpoint", Value: "/api/login", Inline: true})
	assert.Contains(t, embed.Fields, DiscordEmbedField{Name: "Sources", Value: "10.0.0.1, 10.0.0.2"})
}

func TestBuildEmbedPayload_Truncates(t *testing.T) {
	alert := testAlert
	alert.Message = strings.Repeat("x", maxDescriptionLength+10)

	embed := buildEmbedPayload(alert).Embeds[0]
	assert.Len(t, embed.Description, maxDescriptionLength)
	assert.True(t, strings.HasSuffix(embed.Description, truncationSuffix))
}

func TestSeverityColor(t *testing.T) {
	assert.Equal(t, 0xED4245, severityColor(monitor.SeverityCritical))
	assert.Equal(t, 0xF26522, severityColor(monitor.SeverityHigh))
	assert.Equal(t, 0xFEE75C, severityColor(monitor.SeverityMedium))
	assert.Equal(t, 0x5865F2, severityColor(monitor.SeverityLow))
}

func TestSlackNotifier_Payload(t *testing.T) {
	srv := newRecordingServer(t)
	n := NewSlackNotifier(SlackConfig{Enabled: true, WebhookURL: srv.URL, Retry: fastRetry()}, nil)

	require.NoError(t, n.Notify(context.Background(), testAlert))

	var payload SlackWebhookPayload
	srv.lastBody(t, &payload)
	assert.True(t, strings.HasPrefix(payload.Text, "[critical] COORDINATED_ATTACK"))
	require.Len(t, payload.Blocks, 2)

	section := payload.Blocks[0]
	assert.Equal(t, "section", section.Type)
	require.NotNil(t, section.Text)
	assert.Contains(t, section.Text.Text, ":rotating_light: *CRITICAL* COORDINATED_ATTACK")
	assert.Contains(t, section.Text.Text, testAlert.Message)

	ctxBlock := payload.Blocks[1]
	assert.Equal(t, "context", ctxBlock.Type)
	require.Len(t, ctxBlock.Elements, 1)
	assert.Equal(t, "endpoint: `/api/login` | sources: 10.0.0.1, 10.0.0.2 | 2024-01-01T12:00:00Z",
		ctxBlock.Elements[0].Text)
}

func TestBuildBlockKitPayload_FallbackLength(t *testing.T) {
	alert := testAlert
	alert.Message = strings.Repeat("y", 500)

	payload := buildBlockKitPayload(alert)
	assert.Len(t, payload.Text, maxFallbackLength)
}

func TestExtractRetryAfter(t *testing.T) {
	tests := []struct {
		name   string
		header string
		body   string
		want   time.Duration
	}{
		{"json body", "", `{"retry_after":1.5}`, 1500 * time.Millisecond},
		{"header", "7", `not json`, 7 * time.Second},
		{"body wins", "7", `{"retry_after":2}`, 2 * time.Second},
		{"default", "", ``, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{Header: http.Header{}}
			if tt.header != "" {
				resp.Header.Set("Retry-After", tt.header)
			}
			assert.Equal(t, tt.want, extractRetryAfter(resp, []byte(tt.body)))
		})
	}
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, isRetryableError(&ServerError{StatusCode: 503}))
	assert.True(t, isRetryableError(&RateLimitError{RetryAfter: time.Second}))
	assert.True(t, isRetryableError(errors.New("connection reset")))
	assert.False(t, isRetryableError(&ClientError{StatusCode: 400}))
	assert.False(t, isRetryableError(context.Canceled))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10, "..."))
	assert.Equal(t, "abcd...", truncate("abcdefghijk", 7, "..."))
	assert.Equal(t, "..", truncate("abcdef", 1, ".."))
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	require.NoError(t, NewLogNotifier(logger).Notify(context.Background(), testAlert))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, testAlert.Message, entry["msg"])
	assert.Equal(t, "COORDINATED_ATTACK", entry["type"])
	assert.Equal(t, "/api/login", entry["endpoint"])
	assert.Equal(t, "10.0.0.1,10.0.0.2", entry["attackers"])
}

func TestLogNotifier_MediumIsWarn(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	alert := testAlert
	alert.Severity = monitor.SeverityMedium
	require.NoError(t, NewLogNotifier(logger).Notify(context.Background(), alert))
	assert.Contains(t, buf.String(), `"level":"WARN"`)
}

func TestNoOp(t *testing.T) {
	assert.NoError(t, NoOp{}.Notify(context.Background(), testAlert))
}

type stubNotifier struct {
	err   error
	calls int
}

func (s *stubNotifier) Notify(context.Context, monitor.Alert) error {
	s.calls++
	return s.err
}

func TestMulti(t *testing.T) {
	first := &stubNotifier{err: errors.New("discord down")}
	second := &stubNotifier{}
	third := &stubNotifier{err: errors.New("slack down")}

	err := Multi{first, second, third}.Notify(context.Background(), testAlert)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord down")
	assert.Contains(t, err.Error(), "slack down")
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
	assert.Equal(t, 1, third.calls)

	assert.NoError(t, Multi{second}.Notify(context.Background(), testAlert))
}
