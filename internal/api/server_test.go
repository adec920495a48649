package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/vexmail/internal/api"
	"github.com/nhle/vexmail/internal/metrics"
	"github.com/nhle/vexmail/internal/model"
	"github.com/nhle/vexmail/internal/service"
	"github.com/nhle/vexmail/internal/source"
)

type fakeMail struct {
	listing     service.Listing
	page, size  int
	actionErr   error
	actionRes   *service.ActionResult
	batchIDs    []string
	pollTimeout time.Duration
	events      []model.Event
	sync        *service.SyncReport
	health      service.Health
	labelAdd    []string
	labelRemove []string
	subscribed  []string
	resets      int
}

func (f *fakeMail) GetPage(_ context.Context, l service.Listing, page, size int) (*service.Page, error) {
	f.listing, f.page, f.size = l, page, size
	return &service.Page{Emails: []service.Summary{{ID: "e1"}}, Page: page, PageSize: size, Total: 1, Pages: 1}, nil
}

func (f *fakeMail) Search(_ context.Context, query string, page, size int) (*service.Page, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty search query", service.ErrInvalidRequest)
	}
	return &service.Page{Page: page, PageSize: size}, nil
}

func (f *fakeMail) GetDetail(_ context.Context, id string) (*service.EmailDetail, error) {
	if id != "e1" {
		return nil, fmt.Errorf("email %s: %w", id, service.ErrNotFound)
	}
	return &service.EmailDetail{Email: model.Email{ID: "e1", Subject: "hi"}, Attachments: []model.Attachment{}}, nil
}

func (f *fakeMail) GetThread(_ context.Context, id string) (*service.ThreadDetail, error) {
	return &service.ThreadDetail{Thread: model.Thread{ID: id}}, nil
}

func (f *fakeMail) ApplyAction(_ context.Context, id string, action model.Action) (*service.ActionResult, error) {
	if f.actionErr != nil {
		return nil, f.actionErr
	}
	if f.actionRes != nil {
		return f.actionRes, nil
	}
	return &service.ActionResult{ID: id, Action: action, Status: service.StatusApplied}, nil
}

func (f *fakeMail) BatchApply(_ context.Context, ids []string, action model.Action) (*service.BatchResult, error) {
	f.batchIDs = ids
	out := &service.BatchResult{Action: action}
	for _, id := range ids {
		out.Results = append(out.Results, service.ActionResult{ID: id, Action: action, Status: service.StatusApplied})
		out.Succeeded++
	}
	return out, nil
}

func (f *fakeMail) TriggerSync(context.Context) *service.SyncReport { return f.sync }

func (f *fakeMail) RegisterClient(_ context.Context, topics []string) (string, error) {
	for _, t := range topics {
		if t == "bogus" {
			return "", fmt.Errorf("%w: unknown topic %q", service.ErrInvalidRequest, t)
		}
	}
	return "client-1", nil
}

func (f *fakeMail) Poll(_ context.Context, clientID string, timeout time.Duration) ([]model.Event, error) {
	f.pollTimeout = timeout
	if clientID != "client-1" {
		return nil, fmt.Errorf("client %s: %w", clientID, service.ErrNotFound)
	}
	return f.events, nil
}

func (f *fakeMail) Subscribe(_ context.Context, clientID string, topics []string) error {
	if clientID != "client-1" {
		return fmt.Errorf("client %s: %w", clientID, service.ErrNotFound)
	}
	if len(topics) == 0 {
		return fmt.Errorf("%w: no topics", service.ErrInvalidRequest)
	}
	f.subscribed = append(f.subscribed, topics...)
	return nil
}

func (f *fakeMail) Unsubscribe(_ context.Context, clientID string, topics []string) error {
	if clientID != "client-1" {
		return fmt.Errorf("client %s: %w", clientID, service.ErrNotFound)
	}
	f.subscribed = slices.DeleteFunc(f.subscribed, func(t string) bool { return slices.Contains(topics, t) })
	return nil
}

func (f *fakeMail) Unregister(_ context.Context, clientID string) error {
	if clientID != "client-1" {
		return fmt.Errorf("client %s: %w", clientID, service.ErrNotFound)
	}
	return nil
}

func (f *fakeMail) ResetAuth(context.Context) {
	f.resets++
	f.health = service.Health{Status: "ok", Checks: map[string]string{"imap": "ok"}}
}

func (f *fakeMail) GetStats(context.Context) (*service.Stats, error) {
	return &service.Stats{Mailbox: &model.MailboxStats{Total: 3}}, nil
}

func (f *fakeMail) RetryOperation(_ context.Context, id string) (*model.PendingOperation, error) {
	if id == "busy" {
		return nil, fmt.Errorf("operation %s: %w", id, service.ErrConflict)
	}
	return &model.PendingOperation{ID: id, Status: model.OpStatusPending}, nil
}

func (f *fakeMail) Health(context.Context) service.Health { return f.health }

func (f *fakeMail) Labels(context.Context) ([]model.Label, error) {
	return []model.Label{{Name: "inbox", System: true}, {Name: "work"}}, nil
}

func (f *fakeMail) CreateLabel(_ context.Context, l model.Label) (*model.Label, error) {
	if l.Name == "work" {
		return nil, fmt.Errorf("label work: %w", service.ErrConflict)
	}
	return &l, nil
}

func (f *fakeMail) DeleteLabel(_ context.Context, name string) error {
	if name == "inbox" {
		return fmt.Errorf("%w: system label", service.ErrInvalidRequest)
	}
	return nil
}

func (f *fakeMail) LabelEmail(_ context.Context, id string, add, remove []string) (*model.Email, error) {
	f.labelAdd, f.labelRemove = add, remove
	return &model.Email{ID: id, Labels: add}, nil
}

func newServer(t *testing.T, mail *fakeMail, opts ...api.Option) *api.Server {
	t.Helper()
	if mail.health.Status == "" {
		mail.health = service.Health{Status: "ok", Checks: map[string]string{"store": "ok"}}
	}
	return api.New(mail, opts...)
}

func do(t *testing.T, s *api.Server, method, target, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestListEmails(t *testing.T) {
	mail := &fakeMail{}
	s := newServer(t, mail)

	code, body := do(t, s, http.MethodGet, "/api/emails?label=starred&page=2&page_size=10", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, service.Listing{Label: "starred"}, mail.listing)
	assert.Equal(t, 2, mail.page)
	assert.Equal(t, 10, mail.size)

	p := decode[service.Page](t, body)
	assert.Equal(t, 1, p.Total)
}

func TestGetEmail(t *testing.T) {
	s := newServer(t, &fakeMail{})

	code, body := do(t, s, http.MethodGet, "/api/emails/e1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "hi", decode[service.EmailDetail](t, body).Email.Subject)

	code, body = do(t, s, http.MethodGet, "/api/emails/nope", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, decode[api.ErrorResponse](t, body).Error, "not found")
}

func TestApplyAction(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		mail   *fakeMail
		status int
	}{
		{name: "applied", path: "/api/emails/e1/actions/star", mail: &fakeMail{}, status: http.StatusOK},
		{
			name:   "queued",
			path:   "/api/emails/e1/actions/delete",
			mail:   &fakeMail{actionRes: &service.ActionResult{ID: "e1", Status: service.StatusQueued, OperationID: "op1"}},
			status: http.StatusAccepted,
		},
		{name: "unknown action", path: "/api/emails/e1/actions/archive", mail: &fakeMail{}, status: http.StatusBadRequest},
		{
			name:   "missing email",
			path:   "/api/emails/x/actions/read",
			mail:   &fakeMail{actionErr: fmt.Errorf("email x: %w", service.ErrNotFound)},
			status: http.StatusNotFound,
		},
		{
			name:   "internal",
			path:   "/api/emails/e1/actions/read",
			mail:   &fakeMail{actionErr: fmt.Errorf("disk I/O error")},
			status: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := do(t, newServer(t, tt.mail), http.MethodPost, tt.path, "")
			assert.Equal(t, tt.status, code, string(body))
		})
	}
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	s := newServer(t, &fakeMail{actionErr: fmt.Errorf("sqlite: database is locked")})

	_, body := do(t, s, http.MethodPost, "/api/emails/e1/actions/read", "")
	assert.Equal(t, "internal error", decode[api.ErrorResponse](t, body).Error)
}

func TestBatchApply(t *testing.T) {
	mail := &fakeMail{}
	s := newServer(t, mail)

	code, body := do(t, s, http.MethodPost, "/api/emails/batch", `{"ids":["a","b"],"action":"read"}`)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, []string{"a", "b"}, mail.batchIDs)

	res := decode[service.BatchResult](t, body)
	assert.Equal(t, 2, res.Succeeded)

	code, _ = do(t, s, http.MethodPost, "/api/emails/batch", `{"ids":["a"],"action":"explode"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, s, http.MethodPost, "/api/emails/batch", `{not json`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestTriggerSync(t *testing.T) {
	mail := &fakeMail{sync: &service.SyncReport{Status: service.SyncAlreadyRunning}}
	s := newServer(t, mail)

	code, body := do(t, s, http.MethodPost, "/api/sync", "")
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, service.SyncAlreadyRunning, decode[service.SyncReport](t, body).Status)

	mail.sync = &service.SyncReport{Status: service.SyncCompleted}
	code, _ = do(t, s, http.MethodPost, "/api/sync", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestRealtime(t *testing.T) {
	mail := &fakeMail{events: []model.Event{{ID: "ev1", Topic: model.TopicEmailUpdated}}}
	s := newServer(t, mail)

	code, body := do(t, s, http.MethodPost, "/api/realtime/register", `{"topics":["email_updates"]}`)
	require.Equal(t, http.StatusCreated, code)
	reg := decode[api.RegisterResponse](t, body)
	assert.Equal(t, "client-1", reg.ClientID)

	code, _ = do(t, s, http.MethodPost, "/api/realtime/register", `{"topics":["bogus"]}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, s, http.MethodPost, "/api/realtime/register", "")
	assert.Equal(t, http.StatusCreated, code)

	code, body = do(t, s, http.MethodGet, "/api/realtime/poll/client-1?timeout=1.5", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1500*time.Millisecond, mail.pollTimeout)
	got := decode[api.PollResponse](t, body)
	if diff := cmp.Diff([]string{"ev1"}, eventIDs(got.Events)); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	code, _ = do(t, s, http.MethodGet, "/api/realtime/poll/client-1?timeout=soon", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, s, http.MethodGet, "/api/realtime/poll/other", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestWithLoggerTagsRequestLines(t *testing.T) {
	var buf bytes.Buffer
	s := newServer(t, &fakeMail{}, api.WithLogger(zerolog.New(&buf)))

	code, _ := do(t, s, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, code)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line), buf.String())
	assert.Equal(t, "api", line["component"])
	assert.Equal(t, "/api/health", line["path"])
	assert.EqualValues(t, http.StatusOK, line["status"])
}

func TestRealtimeSubscriptions(t *testing.T) {
	mail := &fakeMail{}
	s := newServer(t, mail)

	code, _ := do(t, s, http.MethodPost, "/api/realtime/client-1/subscribe", `{"topics":["email_updated","sync_status"]}`)
	require.Equal(t, http.StatusNoContent, code)
	code, _ = do(t, s, http.MethodPost, "/api/realtime/client-1/unsubscribe", `{"topics":["sync_status"]}`)
	require.Equal(t, http.StatusNoContent, code)
	if diff := cmp.Diff([]string{"email_updated"}, mail.subscribed); diff != "" {
		t.Errorf("subscriptions mismatch (-want +got):\n%s", diff)
	}

	code, _ = do(t, s, http.MethodPost, "/api/realtime/client-1/subscribe", `{"topics":[]}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = do(t, s, http.MethodPost, "/api/realtime/client-1/subscribe", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = do(t, s, http.MethodPost, "/api/realtime/other/subscribe", `{"topics":["email_updated"]}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, s, http.MethodDelete, "/api/realtime/client-1", "")
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = do(t, s, http.MethodDelete, "/api/realtime/other", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestResetAuth(t *testing.T) {
	mail := &fakeMail{health: service.Health{Status: "degraded", Checks: map[string]string{"imap": "authentication failed"}}}
	s := newServer(t, mail)

	code, body := do(t, s, http.MethodPost, "/api/auth/reset", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, mail.resets)
	assert.True(t, decode[service.Health](t, body).Healthy())
}

func TestPollTimeoutReturnsEmptyList(t *testing.T) {
	s := newServer(t, &fakeMail{})

	code, body := do(t, s, http.MethodGet, "/api/realtime/poll/client-1", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"events":[]}`, string(body))
}

func eventIDs(events []model.Event) []string {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	return ids
}

func TestRetryOperation(t *testing.T) {
	s := newServer(t, &fakeMail{})

	code, _ := do(t, s, http.MethodPost, "/api/operations/op1/retry", "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, s, http.MethodPost, "/api/operations/busy/retry", "")
	assert.Equal(t, http.StatusConflict, code)
}

func TestHealth(t *testing.T) {
	mail := &fakeMail{}
	s := newServer(t, mail)

	code, _ := do(t, s, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, code)

	mail.health = service.Health{Status: "degraded", Checks: map[string]string{"imap": "authentication failed"}}
	code, body := do(t, s, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "authentication failed", decode[service.Health](t, body).Checks["imap"])
}

func TestStatsAndSearch(t *testing.T) {
	s := newServer(t, &fakeMail{})

	code, body := do(t, s, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 3, decode[service.Stats](t, body).Mailbox.Total)

	code, _ = do(t, s, http.MethodGet, "/api/search?q=invoice", "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, s, http.MethodGet, "/api/search", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRemoteErrorsMapToGatewayStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: &source.AuthError{Server: "imap", Message: "denied"}, want: http.StatusBadGateway},
		{err: &source.RemoteUnavailableError{Op: "fetch", Err: io.EOF}, want: http.StatusServiceUnavailable},
		{err: source.ErrPoolExhausted, want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		code, _ := do(t, newServer(t, &fakeMail{actionErr: tt.err}), http.MethodPost, "/api/emails/e1/actions/read", "")
		assert.Equal(t, tt.want, code, tt.err.Error())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.CacheLookup("memory", "hit")

	s := newServer(t, &fakeMail{}, api.WithMetrics(reg))
	code, body := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "vexmail_cache_requests_total")

	code, _ = do(t, newServer(t, &fakeMail{}), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestLabels(t *testing.T) {
	mail := &fakeMail{}
	s := newServer(t, mail)

	code, body := do(t, s, http.MethodGet, "/api/labels", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]model.Label](t, body), 2)

	code, body = do(t, s, http.MethodPost, "/api/labels", `{"name":"travel","color":"#00f"}`)
	assert.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "travel", decode[model.Label](t, body).Name)

	code, _ = do(t, s, http.MethodPost, "/api/labels", `{"name":"work"}`)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = do(t, s, http.MethodDelete, "/api/labels/travel", "")
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = do(t, s, http.MethodDelete, "/api/labels/inbox", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = do(t, s, http.MethodPost, "/api/emails/e1/labels", `{"add":["work"],"remove":["inbox"]}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"work"}, decode[model.Email](t, body).Labels)
	assert.Equal(t, []string{"inbox"}, mail.labelRemove)
}
