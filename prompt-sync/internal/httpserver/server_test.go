package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/auth"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/generation"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/lock"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/models"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/processor"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/snapshot"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/store"
)

const testSecret = "http-test-secret"

type fakeProcessor struct {
	directErr  error
	batchLimit int
}

func (f *fakeProcessor) ProcessBatch(_ context.Context, limit int) (processor.BatchResult, error) {
	f.batchLimit = limit
	return processor.BatchResult{Claimed: 2, Processed: 2}, nil
}

func (f *fakeProcessor) ProcessDirect(_ context.Context, tenantID, _ string) (processor.DirectResult, error) {
	if f.directErr != nil {
		return processor.DirectResult{}, f.directErr
	}
	return processor.DirectResult{
		Artifact: models.GeneratedArtifact{TenantID: tenantID, Version: 3, PrimaryContent: "p"},
		Sync:     models.SyncResult{Status: models.SyncStatusSkipped, TenantID: tenantID, ArtifactVersion: 3},
	}, nil
}

func (f *fakeProcessor) Reconcile(context.Context, int) (processor.ReconcileResult, error) {
	return processor.ReconcileResult{Checked: 1, Synced: 1}, nil
}

func newTestServer(t *testing.T) (*store.MemoryStore, *fakeProcessor, http.Handler) {
	t.Helper()
	st := store.NewMemoryStore()
	proc := &fakeProcessor{}
	verifier, err := auth.NewVerifier(testSecret, "", false, nil)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	return st, proc, New(st, proc, verifier, nil).Router()
}

func token(t *testing.T, roles ...string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func doRequest(router http.Handler, method, path string, body []byte, tok string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	_, _, router := newTestServer(t)
	rec := doRequest(router, http.MethodGet, "/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestEnqueueRequiresTriggerRole(t *testing.T) {
	_, _, router := newTestServer(t)
	body := []byte(`{"tenantId":"t-1","reason":"faq.updated"}`)

	if rec := doRequest(router, http.MethodPost, "/prompt-sync/regenerate", body, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := doRequest(router, http.MethodPost, "/prompt-sync/regenerate", body, token(t, auth.RoleRead)); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for reader, got %d", rec.Code)
	}
}

func TestEnqueueAndStats(t *testing.T) {
	st, _, router := newTestServer(t)

	rec := doRequest(router, http.MethodPost, "/prompt-sync/regenerate", []byte(`{"tenantId":"t-1","reason":"faq.updated"}`), token(t, auth.RoleTrigger))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", rec.Code, rec.Body.String())
	}
	var entry models.QueueEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry.Status != models.QueueStatusPending || entry.TenantID != "t-1" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if _, err := st.GetEntry(context.Background(), entry.ID); err != nil {
		t.Fatalf("entry not stored: %v", err)
	}

	rec = doRequest(router, http.MethodGet, "/prompt-sync/queue/stats", nil, token(t, auth.RoleRead))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats models.QueueStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 1 || stats.Counts[models.QueueStatusPending] != 1 || stats.Counts[models.QueueStatusFailed] != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestEnqueueValidatesBody(t *testing.T) {
	_, _, router := newTestServer(t)
	tok := token(t, auth.RoleOperator)
	for _, body := range []string{`{"reason":"x"}`, `not json`, `{}`} {
		rec := doRequest(router, http.MethodPost, "/prompt-sync/regenerate", []byte(body), tok)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestProcessAcceptsEmptyBody(t *testing.T) {
	_, proc, router := newTestServer(t)
	rec := doRequest(router, http.MethodPost, "/prompt-sync/process", nil, token(t, auth.RoleOperator))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if proc.batchLimit != 0 {
		t.Fatalf("expected default limit, got %d", proc.batchLimit)
	}

	rec = doRequest(router, http.MethodPost, "/prompt-sync/process", []byte(`{"limit":5000}`), token(t, auth.RoleOperator))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized limit, got %d", rec.Code)
	}
}

func TestDirectErrorStatuses(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&processor.StepError{Step: processor.StepSnapshot, Err: &snapshot.NotFoundError{TenantID: "t-1"}}, http.StatusNotFound},
		{&processor.StepError{Step: processor.StepGeneration, Err: generation.InvalidInput("generate", errors.New("bad hours"))}, http.StatusUnprocessableEntity},
		{&processor.StepError{Step: processor.StepGeneration, Err: generation.Unavailable("generate", errors.New("503"))}, http.StatusBadGateway},
		{&processor.StepError{Step: processor.StepLock, Err: lock.ErrLockTimeout}, http.StatusConflict},
		{&processor.StepError{Step: processor.StepPersist, Err: &store.PersistenceError{TenantID: "t-1", Err: errors.New("disk full")}}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.want), func(t *testing.T) {
			_, proc, router := newTestServer(t)
			proc.directErr = tc.err
			rec := doRequest(router, http.MethodPost, "/prompt-sync/regenerate/direct", []byte(`{"tenantId":"t-1"}`), token(t, auth.RoleOperator))
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d (%s)", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestDirectSuccess(t *testing.T) {
	_, _, router := newTestServer(t)
	rec := doRequest(router, http.MethodPost, "/prompt-sync/regenerate/direct", []byte(`{"tenantId":"t-1","reason":"manual"}`), token(t, auth.RoleOperator))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var res processor.DirectResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Artifact.Version != 3 || res.Sync.Status != models.SyncStatusSkipped {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDriftEndpoints(t *testing.T) {
	st, _, router := newTestServer(t)
	ctx := context.Background()
	tok := token(t, auth.RoleRead)

	if _, err := st.UpsertBinding(ctx, models.RemoteAgentBinding{TenantID: "t-1", AgentID: "agent-1"}); err != nil {
		t.Fatalf("binding: %v", err)
	}
	if rec := doRequest(router, http.MethodGet, "/prompt-sync/drift/t-1", nil, tok); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any artifact, got %d", rec.Code)
	}
	if _, err := st.Persist(ctx, "t-1", models.GeneratedContent{Primary: "p"}, "h"); err != nil {
		t.Fatalf("persist: %v", err)
	}

	rec := doRequest(router, http.MethodGet, "/prompt-sync/drift/t-1", nil, tok)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var drift models.TenantDrift
	if err := json.Unmarshal(rec.Body.Bytes(), &drift); err != nil {
		t.Fatalf("decode drift: %v", err)
	}
	if drift.Gap != 1 || drift.LatestVersion != 1 {
		t.Fatalf("unexpected drift %+v", drift)
	}

	rec = doRequest(router, http.MethodGet, "/prompt-sync/drift", nil, tok)
	var list []models.TenantDrift
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 drifting tenant, got %d", len(list))
	}

	if rec := doRequest(router, http.MethodGet, "/prompt-sync/drift/unknown", nil, tok); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unbound tenant, got %d", rec.Code)
	}
}

func TestLatestArtifactAndBinding(t *testing.T) {
	st, _, router := newTestServer(t)
	ctx := context.Background()

	if rec := doRequest(router, http.MethodGet, "/prompt-sync/tenants/t-9/artifacts/latest", nil, token(t, auth.RoleRead)); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if _, err := st.Persist(ctx, "t-9", models.GeneratedContent{Primary: "hello"}, "h"); err != nil {
		t.Fatalf("persist: %v", err)
	}
	rec := doRequest(router, http.MethodGet, "/prompt-sync/tenants/t-9/artifacts/latest", nil, token(t, auth.RoleOperator))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doRequest(router, http.MethodPut, "/prompt-sync/tenants/t-9/binding", []byte(`{"agentId":"agent-9"}`), token(t, auth.RoleOperator))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	b, err := st.GetBinding(ctx, "t-9")
	if err != nil || b.AgentID != "agent-9" {
		t.Fatalf("binding not stored: %+v %v", b, err)
	}
}
