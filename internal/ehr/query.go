package ehr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/emanders/ecrnow/internal/store"
	"github.com/emanders/ecrnow/pkg/schema"
)

// DataFetcher retrieves the clinical data an action needs before condition
// evaluation. Implementations may serve cached data when it is fresh.
type DataFetcher interface {
	FetchFilteredData(ctx context.Context, sub *store.Subject, requiredTypes []string) (*Bundle, error)
}

// Bundle is the fetched clinical data for one subject, keyed by resource type.
type Bundle struct {
	Resources map[string][]map[string]any
}

// Data converts the bundle into the generic map shape consumed by condition
// expressions and the trigger matcher.
func (b *Bundle) Data() map[string]any {
	out := make(map[string]any, len(b.Resources))
	for typ, list := range b.Resources {
		items := make([]any, 0, len(list))
		for _, r := range list {
			items = append(items, r)
		}
		out[typ] = items
	}
	return out
}

// Empty reports whether the bundle holds no resources at all.
func (b *Bundle) Empty() bool {
	for _, list := range b.Resources {
		if len(list) > 0 {
			return false
		}
	}
	return true
}

// maxPages bounds pagination so a misbehaving server cannot loop us forever.
const maxPages = 50

// dateFields are the candidate timestamp fields used for date-window filtering.
var dateFields = []string{"effectiveDateTime", "onsetDateTime", "recordedDate", "issued", "authoredOn"}

// QueryServiceConfig configures the FHIR query service.
type QueryServiceConfig struct {
	// Queries maps a resource type to its search template. {patientId} and
	// {encounterId} placeholders are substituted per subject. Types without
	// an entry use the default "<Type>?patient={patientId}" search.
	Queries map[string]string
	// Lookback widens the date filter window before the encounter start.
	Lookback time.Duration
	// CacheTTL controls how long fetched data is served from cache, so the
	// re-validation pass right after a fetch does not hit the server again.
	CacheTTL time.Duration
	Timeout  time.Duration
}

type cacheEntry struct {
	bundle    *Bundle
	types     map[string]bool
	fetchedAt time.Time
}

// QueryService fetches and filters FHIR resources over HTTP.
type QueryService struct {
	cfg    QueryServiceConfig
	client *http.Client
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*cacheEntry // subject ID -> fetched data
}

// NewQueryService creates a QueryService.
func NewQueryService(cfg QueryServiceConfig, logger *slog.Logger) *QueryService {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 72 * time.Hour
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 2 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &QueryService{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		cache:  make(map[string]*cacheEntry),
	}
}

// FetchFilteredData retrieves the required resource types for the subject,
// following pagination links and dropping resources dated outside the
// encounter window. Fresh cached data covering all required types is returned
// without touching the server.
func (s *QueryService) FetchFilteredData(ctx context.Context, sub *store.Subject, requiredTypes []string) (*Bundle, error) {
	if cached := s.fromCache(sub.ID, requiredTypes); cached != nil {
		return cached, nil
	}

	bundle := &Bundle{Resources: make(map[string][]map[string]any, len(requiredTypes))}
	for _, typ := range requiredTypes {
		resources, err := s.fetchType(ctx, sub, typ)
		if err != nil {
			return nil, err
		}
		bundle.Resources[typ] = s.filterByDate(sub, resources)
	}

	s.mu.Lock()
	s.cache[sub.ID] = &cacheEntry{bundle: bundle, types: typeSet(requiredTypes), fetchedAt: time.Now()}
	s.mu.Unlock()

	s.logger.DebugContext(ctx, "fetched clinical data",
		slog.Int("types", len(requiredTypes)))
	return bundle, nil
}

// Invalidate drops cached data for a subject, forcing the next fetch to hit
// the server. Called when an inbound event announces fresh data.
func (s *QueryService) Invalidate(subjectID string) {
	s.mu.Lock()
	delete(s.cache, subjectID)
	s.mu.Unlock()
}

// typeSet converts a list of resource types into a membership set.
func typeSet(types []string) map[string]bool {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

func (s *QueryService) fromCache(subjectID string, requiredTypes []string) *Bundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[subjectID]
	if !ok || time.Since(entry.fetchedAt) > s.cfg.CacheTTL {
		return nil
	}
	for _, typ := range requiredTypes {
		if !entry.types[typ] {
			return nil
		}
	}
	return entry.bundle
}

func (s *QueryService) fetchType(ctx context.Context, sub *store.Subject, typ string) ([]map[string]any, error) {
	query, ok := s.cfg.Queries[typ]
	if !ok {
		query = typ + "?patient={patientId}"
	}
	query = strings.ReplaceAll(query, "{patientId}", sub.PatientID)
	query = strings.ReplaceAll(query, "{encounterId}", sub.EncounterID)

	url := strings.TrimSuffix(sub.FHIRServerURL, "/") + "/" + query

	var all []map[string]any
	for page := 0; url != "" && page < maxPages; page++ {
		resources, next, err := s.fetchPage(ctx, url)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeCollaborator,
				"fetch %s for patient %s: %s", typ, sub.PatientID, err.Error()).WithCause(err)
		}
		all = append(all, resources...)
		url = next
	}
	return all, nil
}

// fetchPage retrieves one search bundle page and returns its resources plus
// the next-page link, if any.
func (s *QueryService) fetchPage(ctx context.Context, url string) ([]map[string]any, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, "", fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var page struct {
		Entry []struct {
			Resource map[string]any `json:"resource"`
		} `json:"entry"`
		Link []struct {
			Relation string `json:"relation"`
			URL      string `json:"url"`
		} `json:"link"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, "", fmt.Errorf("decode bundle: %w", err)
	}

	resources := make([]map[string]any, 0, len(page.Entry))
	for _, e := range page.Entry {
		if e.Resource != nil {
			resources = append(resources, e.Resource)
		}
	}

	var next string
	for _, l := range page.Link {
		if l.Relation == "next" {
			next = l.URL
			break
		}
	}
	return resources, next, nil
}

// filterByDate drops resources dated before the encounter window. Resources
// without any recognizable timestamp are kept; excluding undated data would
// hide trigger codes.
func (s *QueryService) filterByDate(sub *store.Subject, resources []map[string]any) []map[string]any {
	if sub.StartDate.IsZero() {
		return resources
	}
	cutoff := sub.StartDate.Add(-s.cfg.Lookback)

	kept := resources[:0]
	for _, r := range resources {
		ts, ok := resourceTime(r)
		if ok && ts.Before(cutoff) {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}

func resourceTime(r map[string]any) (time.Time, bool) {
	for _, f := range dateFields {
		if v, ok := r[f].(string); ok {
			if ts, err := parseFHIRTime(v); err == nil {
				return ts, true
			}
		}
	}
	if period, ok := r["period"].(map[string]any); ok {
		if v, ok := period["start"].(string); ok {
			if ts, err := parseFHIRTime(v); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

func parseFHIRTime(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", v)
}
