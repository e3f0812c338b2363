package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/community-platform/internal/segmentation"
)

func newTestServer(t *testing.T) (*chi.Mux, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	segAPI := NewSegmentationAPI(segmentation.NewEngine(db), nil, nil, 10, 100)
	return SetupRoutes(segAPI, []string{"http://localhost:5173"}), mock
}

func doRequest(t *testing.T, router http.Handler, method, path, communityID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if communityID != "" {
		req.Header.Set("X-Community-ID", communityID)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthNeedsNoTenant(t *testing.T) {
	router, _ := newTestServer(t)
	rec := doRequest(t, router, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAPIRejectsMissingCommunityHeader(t *testing.T) {
	router, _ := newTestServer(t)

	rec := doRequest(t, router, http.MethodGet, "/api/fields", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	rec = doRequest(t, router, http.MethodGet, "/api/fields", "not-a-uuid", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for malformed id", rec.Code)
	}
}

func TestListFields(t *testing.T) {
	router, _ := newTestServer(t)

	rec := doRequest(t, router, http.MethodGet, "/api/fields", uuid.NewString(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Fields []segmentation.FieldDescriptor `json:"fields"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Fields) == 0 {
		t.Error("expected registry fields in response")
	}
}

func TestCreateSegmentValidationFailure(t *testing.T) {
	router, _ := newTestServer(t)

	body := `{
		"name": "Broken",
		"rules": {
			"match": "all",
			"conditions": [
				{"field": "email", "operator": "is_not_empty"},
				{"field": "email_open_rate", "operator": "at_least", "value": 150}
			]
		}
	}`
	rec := doRequest(t, router, http.MethodPost, "/api/segments", uuid.NewString(), body)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Error   string                        `json:"error"`
		Details *segmentation.ValidationError `json:"details"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "validation_failed" {
		t.Errorf("error = %q, want validation_failed", resp.Error)
	}
	if resp.Details == nil || resp.Details.Position != 2 || resp.Details.Field != "email_open_rate" {
		t.Errorf("details = %+v, want position 2 on email_open_rate", resp.Details)
	}
}

func TestPreviewRules(t *testing.T) {
	router, mock := newTestServer(t)
	communityID := uuid.New()
	memberID := uuid.New()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users u`).
		WithArgs(communityID, "%@example.org%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery(`ORDER BY u\.id LIMIT \$3`).
		WithArgs(communityID, "%@example.org%", 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "first_name", "last_name"}).
			AddRow(memberID, "a@example.org", "Ada", "Lovelace"))

	body := `{
		"rules": {"match": "all", "conditions": [{"field": "email", "operator": "contains", "value": "@example.org"}]},
		"limit": 5
	}`
	rec := doRequest(t, router, http.MethodPost, "/api/segments/preview", communityID.String(), body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Count  int                           `json:"count"`
		Sample []segmentation.AudienceMember `json:"sample"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 7 || len(resp.Sample) != 1 || resp.Sample[0].ID != memberID {
		t.Errorf("unexpected response: %+v", resp)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetSegmentCount(t *testing.T) {
	router, mock := newTestServer(t)
	communityID := uuid.New()
	segmentID := uuid.New()
	now := time.Now()

	rules := segmentation.RuleSet{Match: segmentation.MatchAll, Conditions: []segmentation.Condition{
		{Field: "email", Operator: segmentation.OpIsNotEmpty},
	}}
	rulesJSON, _ := json.Marshal(rules)

	mock.ExpectQuery(`FROM segments\s+WHERE community_id = \$1 AND id = \$2`).
		WithArgs(communityID, segmentID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "community_id", "name", "description", "rules", "active", "created_by", "created_at", "updated_at",
		}).AddRow(segmentID, communityID, "Reachable", "", rulesJSON, true, nil, now, now))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users u`).
		WithArgs(communityID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))

	rec := doRequest(t, router, http.MethodGet, "/api/segments/"+segmentID.String()+"/count", communityID.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 12 {
		t.Errorf("count = %d, want 12", resp.Count)
	}
}

func TestGetMissingSegment(t *testing.T) {
	router, mock := newTestServer(t)
	communityID := uuid.New()

	mock.ExpectQuery(`FROM segments`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "community_id", "name", "description", "rules", "active", "created_by", "created_at", "updated_at",
		}))

	rec := doRequest(t, router, http.MethodGet, "/api/segments/"+uuid.NewString(), communityID.String(), "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDispatchWithoutQueue(t *testing.T) {
	router, _ := newTestServer(t)

	rec := doRequest(t, router, http.MethodPost, "/api/segments/"+uuid.NewString()+"/dispatch", uuid.NewString(), `{}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
