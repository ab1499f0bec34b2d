package ehr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emanders/ecrnow/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func searchBundle(resources []map[string]any, next string) map[string]any {
	entries := make([]map[string]any, 0, len(resources))
	for _, r := range resources {
		entries = append(entries, map[string]any{"resource": r})
	}
	b := map[string]any{
		"resourceType": "Bundle",
		"entry":        entries,
	}
	if next != "" {
		b["link"] = []map[string]any{{"relation": "next", "url": next}}
	}
	return b
}

func TestQueryService_FetchFilteredData(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.String()
		_ = json.NewEncoder(w).Encode(searchBundle([]map[string]any{
			{"resourceType": "Condition", "id": "c1"},
		}, ""))
	}))
	defer srv.Close()

	svc := NewQueryService(QueryServiceConfig{}, testLogger())
	sub := &store.Subject{ID: "sub-1", PatientID: "pat-1", FHIRServerURL: srv.URL}

	bundle, err := svc.FetchFilteredData(context.Background(), sub, []string{"Condition"})
	require.NoError(t, err)
	require.Len(t, bundle.Resources["Condition"], 1)
	assert.Equal(t, "c1", bundle.Resources["Condition"][0]["id"])
	assert.Equal(t, "/Condition?patient=pat-1", gotPath)
	assert.False(t, bundle.Empty())
}

func TestQueryService_CustomQueryTemplate(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.String()
		_ = json.NewEncoder(w).Encode(searchBundle(nil, ""))
	}))
	defer srv.Close()

	svc := NewQueryService(QueryServiceConfig{
		Queries: map[string]string{
			"Observation": "Observation?patient={patientId}&encounter={encounterId}&category=laboratory",
		},
	}, testLogger())
	sub := &store.Subject{ID: "sub-1", PatientID: "p", EncounterID: "e", FHIRServerURL: srv.URL}

	_, err := svc.FetchFilteredData(context.Background(), sub, []string{"Observation"})
	require.NoError(t, err)
	assert.Equal(t, "/Observation?patient=p&encounter=e&category=laboratory", gotPath)
}

func TestQueryService_FollowsPagination(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			_ = json.NewEncoder(w).Encode(searchBundle([]map[string]any{
				{"resourceType": "Condition", "id": "c2"},
			}, ""))
			return
		}
		_ = json.NewEncoder(w).Encode(searchBundle([]map[string]any{
			{"resourceType": "Condition", "id": "c1"},
		}, srv.URL+"/Condition?page=2"))
	}))
	defer srv.Close()

	svc := NewQueryService(QueryServiceConfig{}, testLogger())
	sub := &store.Subject{ID: "sub-1", PatientID: "pat-1", FHIRServerURL: srv.URL}

	bundle, err := svc.FetchFilteredData(context.Background(), sub, []string{"Condition"})
	require.NoError(t, err)
	assert.Len(t, bundle.Resources["Condition"], 2)
}

func TestQueryService_FiltersByDate(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(searchBundle([]map[string]any{
			{"resourceType": "Observation", "id": "old", "effectiveDateTime": "2026-01-01T00:00:00Z"},
			{"resourceType": "Observation", "id": "recent", "effectiveDateTime": start.Format(time.RFC3339)},
			{"resourceType": "Observation", "id": "undated"},
		}, ""))
	}))
	defer srv.Close()

	svc := NewQueryService(QueryServiceConfig{Lookback: 72 * time.Hour}, testLogger())
	sub := &store.Subject{ID: "sub-1", PatientID: "pat-1", FHIRServerURL: srv.URL, StartDate: start}

	bundle, err := svc.FetchFilteredData(context.Background(), sub, []string{"Observation"})
	require.NoError(t, err)

	var ids []string
	for _, r := range bundle.Resources["Observation"] {
		ids = append(ids, r["id"].(string))
	}
	// Stale data is dropped; undated data is kept.
	assert.Equal(t, []string{"recent", "undated"}, ids)
}

func TestQueryService_CacheAndInvalidate(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(searchBundle([]map[string]any{
			{"resourceType": "Condition", "id": "c1"},
		}, ""))
	}))
	defer srv.Close()

	svc := NewQueryService(QueryServiceConfig{CacheTTL: time.Minute}, testLogger())
	sub := &store.Subject{ID: "sub-1", PatientID: "pat-1", FHIRServerURL: srv.URL}
	ctx := context.Background()

	_, err := svc.FetchFilteredData(ctx, sub, []string{"Condition"})
	require.NoError(t, err)
	_, err = svc.FetchFilteredData(ctx, sub, []string{"Condition"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	// A fetch needing an uncached type goes back to the server.
	_, err = svc.FetchFilteredData(ctx, sub, []string{"Condition", "Observation"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())

	svc.Invalidate("sub-1")
	_, err = svc.FetchFilteredData(ctx, sub, []string{"Condition"})
	require.NoError(t, err)
	assert.Equal(t, int32(4), hits.Load())
}

func TestQueryService_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc := NewQueryService(QueryServiceConfig{}, testLogger())
	sub := &store.Subject{ID: "sub-1", PatientID: "pat-1", FHIRServerURL: srv.URL}

	_, err := svc.FetchFilteredData(context.Background(), sub, []string{"Condition"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestParseFHIRTime(t *testing.T) {
	for _, tc := range []string{"2026-03-10T12:00:00Z", "2026-03-10"} {
		_, err := parseFHIRTime(tc)
		assert.NoError(t, err, fmt.Sprintf("layout %s", tc))
	}
	_, err := parseFHIRTime("March 10")
	assert.Error(t, err)
}
