package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"reelforge/internal/domain"
	"reelforge/internal/http/handlers"
	"reelforge/internal/middleware"
	"reelforge/internal/submission"
)

const testSecret = "router-test-secret"

type fakeJobs struct {
	domain.JobRepository
	jobs     map[string]*domain.Job
	position int
	listed   []domain.JobSummary
	limit    int
	gets     int
}

func (f *fakeJobs) GetJob(_ context.Context, id string) (*domain.Job, error) {
	f.gets++
	j, ok := f.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobs) QueuePosition(context.Context, string) (int, error) {
	return f.position, nil
}

func (f *fakeJobs) ListByOwner(_ context.Context, _ string, limit int) ([]domain.JobSummary, error) {
	f.limit = limit
	return f.listed, nil
}

type fakeUsers struct {
	users map[string]*domain.User
}

func (f *fakeUsers) EnsureByChatID(_ context.Context, chatID int64, username string) (*domain.User, error) {
	for _, u := range f.users {
		if u.ChatID != nil && *u.ChatID == chatID {
			return u, nil
		}
	}
	id := "user-" + username
	u := &domain.User{ID: id, ChatID: &chatID, Username: username}
	f.users[id] = u
	return u, nil
}

func (f *fakeUsers) GetByID(_ context.Context, id string) (*domain.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsers) GrantCredits(_ context.Context, id string, amount int) (int, error) {
	u, ok := f.users[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	if u.Balance+amount < 0 {
		return u.Balance, domain.ErrInsufficientBalance
	}
	u.Balance += amount
	return u.Balance, nil
}

type fakeSubmitter struct {
	got    submission.Request
	result submission.Result
	err    error
}

func (f *fakeSubmitter) Submit(_ context.Context, req submission.Request) (submission.Result, error) {
	f.got = req
	return f.result, f.err
}

type env struct {
	jobs   *fakeJobs
	users  *fakeUsers
	submit *fakeSubmitter
	ping   error
	router http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		jobs:   &fakeJobs{jobs: map[string]*domain.Job{}},
		users:  &fakeUsers{users: map[string]*domain.User{}},
		submit: &fakeSubmitter{},
	}
	app := &handlers.App{
		Jobs:          e.jobs,
		Users:         e.users,
		Submitter:     e.submit,
		PublicURL:     func(key string) string { return "https://cdn.test/" + key },
		Ping:          func(context.Context) error { return e.ping },
		Logger:        zerolog.Nop(),
		JWTSecret:     testSecret,
		TokenTTL:      time.Hour,
		MaxPhotoBytes: 1 << 20,
	}
	e.router = NewRouter(app, Options{Logger: zerolog.Nop(), DefaultLocale: "ru"})
	return e
}

func token(t *testing.T, subject, role string) string {
	t.Helper()
	tok, err := middleware.SignJWT(testSecret, subject, role, "", time.Hour)
	if err != nil {
		t.Fatalf("SignJWT() error: %v", err)
	}
	return "Bearer " + tok
}

func (e *env) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func jobForm(t *testing.T, payload string, photo []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if payload != "" {
		if err := mw.WriteField("payload", payload); err != nil {
			t.Fatal(err)
		}
	}
	if photo != nil {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", `form-data; name="photo"; filename="p.png"`)
		h.Set("Content-Type", "image/png")
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = part.Write(photo)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	rec := e.do(httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	e.ping = errors.New("db down")
	rec = e.do(httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestOpenAPIServed(t *testing.T) {
	e := newEnv(t)
	rec := e.do(httptest.NewRequest(http.MethodGet, "/v1/openapi.json", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var doc map[string]any
	decode(t, rec, &doc)
	if _, ok := doc["paths"]; !ok {
		t.Fatalf("openapi document has no paths")
	}
}

func TestRoutesRequireMatchingRole(t *testing.T) {
	e := newEnv(t)

	rec := e.do(httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", token(t, "bot", middleware.RoleService))
	if rec := e.do(req); rec.Code != http.StatusForbidden {
		t.Fatalf("service token on user route = %d, want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/users", strings.NewReader(`{"chat_id":1}`))
	req.Header.Set("Authorization", token(t, "u1", middleware.RoleUser))
	if rec := e.do(req); rec.Code != http.StatusForbidden {
		t.Fatalf("user token on service route = %d, want 403", rec.Code)
	}
}

func TestEnsureUserIssuesUsableToken(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/users", strings.NewReader(`{"chat_id":42,"username":"alice"}`))
	req.Header.Set("Authorization", token(t, "bot", middleware.RoleService))
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	rec := e.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID     string `json:"id"`
		Locale string `json:"locale"`
		Token  string `json:"token"`
	}
	decode(t, rec, &created)
	if created.ID != "user-alice" || created.Token == "" {
		t.Fatalf("unexpected response %+v", created)
	}
	if created.Locale != "en" {
		t.Fatalf("locale = %q, want en", created.Locale)
	}

	e.users.users["user-alice"].Balance = 4
	me := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	me.Header.Set("Authorization", "Bearer "+created.Token)
	rec = e.do(me)
	if rec.Code != http.StatusOK {
		t.Fatalf("me status = %d body=%s", rec.Code, rec.Body.String())
	}
	var profile struct {
		ID      string `json:"id"`
		Balance int    `json:"balance"`
		Locale  string `json:"locale"`
	}
	decode(t, rec, &profile)
	if profile.ID != "user-alice" || profile.Balance != 4 || profile.Locale != "en" {
		t.Fatalf("unexpected profile %+v", profile)
	}
}

func TestEnsureUserRequiresChatID(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/users", strings.NewReader(`{"username":"x"}`))
	req.Header.Set("Authorization", token(t, "bot", middleware.RoleService))
	if rec := e.do(req); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGrantCredits(t *testing.T) {
	const userID = "7d2c9e40-51f8-4b6a-8f0e-2a4b6c8d0e11"
	e := newEnv(t)
	e.users.users[userID] = &domain.User{ID: userID, Balance: 1}

	req := httptest.NewRequest(http.MethodPost, "/v1/users/"+userID+"/credits", strings.NewReader(`{"amount":5}`))
	req.Header.Set("Authorization", token(t, "bot", middleware.RoleService))
	rec := e.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		Balance int `json:"balance"`
	}
	decode(t, rec, &body)
	if body.Balance != 6 {
		t.Fatalf("balance = %d, want 6", body.Balance)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/users/"+userID+"/credits", strings.NewReader(`{"amount":-10}`))
	req.Header.Set("Authorization", token(t, "bot", middleware.RoleService))
	if rec := e.do(req); rec.Code != http.StatusPaymentRequired {
		t.Fatalf("overdraw status = %d, want 402", rec.Code)
	}

	for _, id := range []string{"7d2c9e40-51f8-4b6a-8f0e-2a4b6c8d0e12", "missing"} {
		req = httptest.NewRequest(http.MethodPost, "/v1/users/"+id+"/credits", strings.NewReader(`{"amount":1}`))
		req.Header.Set("Authorization", token(t, "bot", middleware.RoleService))
		if rec := e.do(req); rec.Code != http.StatusNotFound {
			t.Fatalf("user %s status = %d, want 404", id, rec.Code)
		}
	}
}

func TestSubmitJob(t *testing.T) {
	e := newEnv(t)
	e.submit.result = submission.Result{JobID: "job-1", Balance: 2}

	body, ct := jobForm(t, `{"template_id":"ugc","product_text":"Mug"}`, []byte("png-bytes"))
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Idempotency-Key", "msg-100")
	req.Header.Set("X-Locale", "en")
	req.Header.Set("Authorization", token(t, "u1", middleware.RoleUser))
	rec := e.do(req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}

	got := e.submit.got
	if got.OwnerID != "u1" || got.IdempotencyKey != "msg-100" {
		t.Fatalf("unexpected request %+v", got)
	}
	if string(got.Photo) != "png-bytes" || got.PhotoContentType != "image/png" {
		t.Fatalf("photo not forwarded: %q %q", got.Photo, got.PhotoContentType)
	}
	if got.Payload.TemplateID != "ugc" || got.Payload.ProductText != "Mug" || got.Payload.Locale != "en" {
		t.Fatalf("unexpected payload %+v", got.Payload)
	}

	var res submission.Result
	decode(t, rec, &res)
	if res.JobID != "job-1" || res.Balance != 2 || res.Duplicate {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSubmitJobReplayReturnsOK(t *testing.T) {
	e := newEnv(t)
	e.submit.result = submission.Result{JobID: "job-1", Balance: 2, Duplicate: true}

	body, ct := jobForm(t, `{"template_id":"ugc","product_text":"Mug"}`, []byte("png"))
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Idempotency-Key", "msg-100")
	req.Header.Set("Authorization", token(t, "u1", middleware.RoleUser))
	if rec := e.do(req); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestSubmitJobErrors(t *testing.T) {
	cases := []struct {
		name    string
		key     string
		payload string
		photo   []byte
		err     error
		want    int
	}{
		{name: "missing key", payload: `{"template_id":"ugc","product_text":"x"}`, photo: []byte("p"), want: http.StatusBadRequest},
		{name: "bad payload json", key: "k", payload: `{"template_id":`, photo: []byte("p"), want: http.StatusUnprocessableEntity},
		{name: "unknown payload field", key: "k", payload: `{"template":"ugc"}`, photo: []byte("p"), want: http.StatusUnprocessableEntity},
		{name: "missing photo", key: "k", payload: `{"template_id":"ugc","product_text":"x"}`, want: http.StatusUnprocessableEntity},
		{name: "insufficient balance", key: "k", payload: `{"template_id":"ugc","product_text":"x"}`, photo: []byte("p"), err: domain.ErrInsufficientBalance, want: http.StatusPaymentRequired},
		{name: "foreign key", key: "k", payload: `{"template_id":"ugc","product_text":"x"}`, photo: []byte("p"), err: domain.ErrDuplicateOperation, want: http.StatusConflict},
		{name: "invalid", key: "k", payload: `{"template_id":"ugc","product_text":"x"}`, photo: []byte("p"), err: domain.ErrInvalidPayload, want: http.StatusUnprocessableEntity},
		{name: "internal", key: "k", payload: `{"template_id":"ugc","product_text":"x"}`, photo: []byte("p"), err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			e.submit.err = tc.err
			body, ct := jobForm(t, tc.payload, tc.photo)
			req := httptest.NewRequest(http.MethodPost, "/v1/jobs", body)
			req.Header.Set("Content-Type", ct)
			if tc.key != "" {
				req.Header.Set("Idempotency-Key", tc.key)
			}
			req.Header.Set("Authorization", token(t, "u1", middleware.RoleUser))
			if rec := e.do(req); rec.Code != tc.want {
				t.Fatalf("status = %d, want %d body=%s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestGetJob(t *testing.T) {
	const (
		queuedID = "0b6f3a52-3c0e-4d7a-9a51-6c1f0e2a9d01"
		doneID   = "0b6f3a52-3c0e-4d7a-9a51-6c1f0e2a9d02"
		otherID  = "0b6f3a52-3c0e-4d7a-9a51-6c1f0e2a9d03"
		missing  = "0b6f3a52-3c0e-4d7a-9a51-6c1f0e2a9d04"
	)
	e := newEnv(t)
	e.jobs.position = 3
	e.jobs.jobs[queuedID] = &domain.Job{ID: queuedID, OwnerID: "u1", Status: domain.JobStatusQueued, Payload: domain.Payload{TemplateID: "ugc"}}
	e.jobs.jobs[doneID] = &domain.Job{ID: doneID, OwnerID: "u1", Status: domain.JobStatusDone, OutputReference: "outputs/u1/done.mp4"}
	e.jobs.jobs[otherID] = &domain.Job{ID: otherID, OwnerID: "u2", Status: domain.JobStatusQueued}

	get := func(id string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+id, nil)
		req.Header.Set("Authorization", token(t, "u1", middleware.RoleUser))
		return e.do(req)
	}

	rec := get(queuedID)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var queued struct {
		Status        string `json:"status"`
		TemplateID    string `json:"template_id"`
		QueuePosition *int   `json:"queue_position"`
	}
	decode(t, rec, &queued)
	if queued.Status != "queued" || queued.TemplateID != "ugc" || queued.QueuePosition == nil || *queued.QueuePosition != 3 {
		t.Fatalf("unexpected queued job %+v", queued)
	}

	rec = get(doneID)
	var done struct {
		OutputURL     string `json:"output_url"`
		QueuePosition *int   `json:"queue_position"`
	}
	decode(t, rec, &done)
	if done.OutputURL != "https://cdn.test/outputs/u1/done.mp4" || done.QueuePosition != nil {
		t.Fatalf("unexpected done job %+v", done)
	}

	if rec := get(otherID); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign job status = %d, want 404", rec.Code)
	}
	if rec := get(missing); rec.Code != http.StatusNotFound {
		t.Fatalf("missing job status = %d, want 404", rec.Code)
	}
}

func TestGetJobMalformedIDIsNotFound(t *testing.T) {
	e := newEnv(t)
	for _, id := range []string{"not-a-uuid", "123", "0b6f3a52-3c0e-4d7a-9a51"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+id, nil)
		req.Header.Set("Authorization", token(t, "u1", middleware.RoleUser))
		rec := e.do(req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("GET /v1/jobs/%s status = %d, want 404", id, rec.Code)
		}
	}
	if e.jobs.gets != 0 {
		t.Fatalf("malformed ids reached the repository %d times", e.jobs.gets)
	}
}

func TestListJobs(t *testing.T) {
	e := newEnv(t)
	out := "outputs/u1/a.mp4"
	e.jobs.listed = []domain.JobSummary{
		{ID: "a", Status: domain.JobStatusDone, TemplateID: "ugc", OutputReference: &out},
		{ID: "b", Status: domain.JobStatusQueued, TemplateID: "review"},
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs?limit=5", nil)
	req.Header.Set("Authorization", token(t, "u1", middleware.RoleUser))
	rec := e.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if e.jobs.limit != 5 {
		t.Fatalf("limit = %d, want 5", e.jobs.limit)
	}
	var body struct {
		Items []struct {
			ID        string `json:"id"`
			OutputURL string `json:"output_url"`
		} `json:"items"`
	}
	decode(t, rec, &body)
	if len(body.Items) != 2 || body.Items[0].OutputURL != "https://cdn.test/outputs/u1/a.mp4" || body.Items[1].OutputURL != "" {
		t.Fatalf("unexpected items %+v", body.Items)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/jobs?limit=abc", nil)
	req.Header.Set("Authorization", token(t, "u1", middleware.RoleUser))
	if rec := e.do(req); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", rec.Code)
	}
}
