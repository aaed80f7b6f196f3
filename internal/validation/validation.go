// Package validation implements the Validation Engine: a synchronous-from
// the-operator's-perspective, off-thread diff between source and
// destination analytics values. The parallel source/destination fetch
// mirrors the concurrent per-host calls in
// other_examples/Dradebo-dhis2Sync__service.go's transfer pipeline; the
// progress-counter pattern follows that file's updateProgress/
// updateProgressOnly helpers.
package validation

import (
	"context"
	"log"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dhis2pipeline/migrate/internal/apperr"
	"github.com/dhis2pipeline/migrate/internal/config"
	"github.com/dhis2pipeline/migrate/internal/dhis2"
	"github.com/dhis2pipeline/migrate/internal/jobs"
)

// Request describes one validation run.
type Request struct {
	ConfigID          string
	DataItemConfigIDs []string
	Periods           []string
	OrgUnits          []string
	PageSize          int
	SkipDestination   bool
}

// Progress is a live, pollable snapshot of an in-flight validation run.
// Warnings carries non-fatal faults (a destination fetch that failed) so a
// report full of missing_in_destination rows can be read for what it is.
type Progress struct {
	RecordsProcessed   int      `json:"recordsProcessed"`
	TotalRecords       int      `json:"totalRecords"`
	DiscrepanciesFound int      `json:"discrepanciesFound"`
	Status             string   `json:"status"`
	Warnings           []string `json:"warnings,omitempty"`
}

// Result is the completed output of a validation run.
type Result struct {
	ConfigID      string
	Discrepancies []jobs.Discrepancy
	Progress      Progress
}

const (
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
)

type valueKey struct {
	dataElement string
	period      string
	orgUnit     string
	coc         string
}

// Engine runs validation requests and tracks their live progress in a
// SessionStore shared with the Status API.
type Engine struct {
	store    config.Store
	sessions *SessionStore
}

// New constructs an Engine.
func New(store config.Store, sessions *SessionStore) *Engine {
	return &Engine{store: store, sessions: sessions}
}

// Run executes req synchronously (the caller decides whether to invoke it
// off the request goroutine) and records its final Progress in the session
// store under sessionID.
func (e *Engine) Run(ctx context.Context, sessionID string, req Request) (Result, error) {
	cfg, err := e.store.Get(req.ConfigID)
	if err != nil {
		return Result{}, err
	}

	var sourceElements, destElements []string
	sourceIDByDestID := make(map[string]string)
	for _, dicID := range req.DataItemConfigIDs {
		dic, ok := cfg.DataItemConfig(dicID)
		if !ok {
			return Result{}, apperr.New(apperr.KindValidation, "unknown dataItemConfigId "+dicID)
		}
		for _, m := range dic.Mappings {
			sourceElements = append(sourceElements, m.SourceID)
			destElements = append(destElements, m.DestinationID)
			sourceIDByDestID[m.DestinationID] = m.SourceID
		}
	}

	e.sessions.Put(sessionID, Progress{Status: StatusRunning})

	if len(sourceElements) == 0 || len(req.Periods) == 0 {
		result := Result{ConfigID: req.ConfigID, Progress: Progress{Status: StatusCompleted}}
		e.sessions.Put(sessionID, result.Progress)
		return result, nil
	}

	sourceTimeout := dhis2.DefaultDataTimeout
	if dhis2.SourceTimeout > 0 {
		sourceTimeout = dhis2.SourceTimeout
	}
	destTimeout := dhis2.DefaultDataTimeout
	if dhis2.DestTimeout > 0 {
		destTimeout = dhis2.DestTimeout
	}
	source := dhis2.New(cfg.SourceBaseURL, cfg.SourceToken, sourceTimeout)
	dest := dhis2.New(cfg.DestBaseURL, cfg.DestToken, destTimeout)

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = len(sourceElements)
	}

	var sourceValues, destValues []map[string]interface{}
	var sourceErr, destErr error
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		sourceValues, sourceErr = fetchPaged(ctx, source, sourceElements, req.Periods, req.OrgUnits, pageSize)
	}()
	if !req.SkipDestination {
		wg.Add(1)
		go func() {
			defer wg.Done()
			destValues, destErr = fetchPaged(ctx, dest, destElements, req.Periods, req.OrgUnits, pageSize)
		}()
	}
	wg.Wait()

	if sourceErr != nil {
		return Result{}, sourceErr
	}
	var warnings []string
	if destErr != nil {
		// A failed destination fetch must not masquerade as "everything is
		// missing in the destination": keep the diff but flag it.
		log.Printf("validation: destination fetch for %s failed, report will show all values as missing: %v", req.ConfigID, destErr)
		warnings = append(warnings, "destination fetch failed: "+destErr.Error())
		destValues = nil
	}

	// The destination instance labels its rows with its own dataElement id;
	// translate back to the source-side id so the diff keys line up.
	for _, v := range destValues {
		if de, ok := v["dataElement"].(string); ok {
			if srcID, ok := sourceIDByDestID[de]; ok {
				v["dataElement"] = srcID
			}
		}
	}

	sourceMap := indexValues(sourceValues)
	destMap := indexValues(destValues)
	discrepancies := diff(sourceMap, destMap)

	progress := Progress{
		RecordsProcessed:   len(sourceValues) + len(destValues),
		TotalRecords:       len(sourceValues) + len(destValues),
		DiscrepanciesFound: len(discrepancies),
		Status:             StatusCompleted,
		Warnings:           warnings,
	}
	e.sessions.Put(sessionID, progress)

	return Result{ConfigID: req.ConfigID, Discrepancies: discrepancies, Progress: progress}, nil
}

func fetchPaged(ctx context.Context, client *dhis2.Client, dataElements, periods, orgUnits []string, pageSize int) ([]map[string]interface{}, error) {
	var all []map[string]interface{}
	for i := 0; i < len(dataElements); i += pageSize {
		end := i + pageSize
		if end > len(dataElements) {
			end = len(dataElements)
		}
		chunk := dataElements[i:end]

		params := url.Values{"dimension": []string{
			"dx:" + strings.Join(chunk, ";"),
			"pe:" + strings.Join(periods, ";"),
		}}
		if len(orgUnits) > 0 {
			params.Add("dimension", "ou:"+strings.Join(orgUnits, ";"))
		}

		resp, err := client.Get(ctx, "analytics/dataValueSet.json", params)
		if err != nil {
			return nil, err
		}
		var fetched jobs.ScratchFile
		if err := resp.Decode(&fetched); err != nil {
			return nil, apperr.Wrap(apperr.KindPayloadInvalid, "decode analytics response", err)
		}
		all = append(all, fetched.DataValues...)
	}
	return all, nil
}

func indexValues(values []map[string]interface{}) map[valueKey]string {
	out := make(map[valueKey]string, len(values))
	for _, v := range values {
		key := keyFor(v)
		value, _ := v["value"].(string)
		out[key] = value
	}
	return out
}

func keyFor(v map[string]interface{}) valueKey {
	coc, _ := v["categoryOptionCombo"].(string)
	if coc == "" {
		coc = "default"
	}
	dataElement, _ := v["dataElement"].(string)
	period, _ := v["period"].(string)
	orgUnit, _ := v["orgUnit"].(string)
	return valueKey{dataElement: dataElement, period: period, orgUnit: orgUnit, coc: coc}
}

// diff builds the symmetric-difference plus mismatch discrepancy set
// described for a validation run: keys only in source are
// missing_in_destination (major), keys only in destination are
// missing_in_source (minor), and keys in both with unequal values are
// value_mismatch: critical when the destination value is numerically
// greater, otherwise major for a gap over 100 (or a non-numeric value) and
// minor for a smaller gap.
func diff(source, dest map[valueKey]string) []jobs.Discrepancy {
	var out []jobs.Discrepancy

	for key, sourceValue := range source {
		destValue, inDest := dest[key]
		if !inDest {
			out = append(out, jobs.Discrepancy{
				DataElement: key.dataElement, OrgUnit: key.orgUnit, Period: key.period, CategoryOptionCombo: key.coc,
				SourceValue: sourceValue, Kind: jobs.KindMissingInDestination, Severity: jobs.SeverityMajor,
			})
			continue
		}
		if sourceValue != destValue {
			out = append(out, jobs.Discrepancy{
				DataElement: key.dataElement, OrgUnit: key.orgUnit, Period: key.period, CategoryOptionCombo: key.coc,
				SourceValue: sourceValue, DestinationValue: destValue,
				Kind: jobs.KindValueMismatch, Severity: mismatchSeverity(sourceValue, destValue),
			})
		}
	}
	for key, destValue := range dest {
		if _, inSource := source[key]; inSource {
			continue
		}
		out = append(out, jobs.Discrepancy{
			DataElement: key.dataElement, OrgUnit: key.orgUnit, Period: key.period, CategoryOptionCombo: key.coc,
			DestinationValue: destValue, Kind: jobs.KindMissingInSource, Severity: jobs.SeverityMinor,
		})
	}
	return out
}

func mismatchSeverity(sourceValue, destValue string) jobs.Severity {
	src, srcErr := strconv.ParseFloat(sourceValue, 64)
	dst, dstErr := strconv.ParseFloat(destValue, 64)
	if srcErr != nil || dstErr != nil {
		return jobs.SeverityMajor
	}
	if dst > src {
		return jobs.SeverityCritical
	}
	diff := src - dst
	if diff < 0 {
		diff = -diff
	}
	if diff > 100 {
		return jobs.SeverityMajor
	}
	return jobs.SeverityMinor
}

// sessionEntry pairs a Progress with its expiry time (last write plus the
// store's TTL), so the janitor can expire sessions nobody has updated.
type sessionEntry struct {
	progress Progress
	expires  time.Time
}

// SessionStore is an explicit, constructor-injected, TTL-expiring store for
// in-flight validation progress, shared between the Validation Engine and
// the Status API (never a package-level map: the Status API and Engine are
// constructed with the same *SessionStore so both processes' handlers agree
// on one source of truth for a given run).
type SessionStore struct {
	ttl time.Duration
	mu  sync.Mutex
	m   map[string]sessionEntry
}

// NewSessionStore constructs a SessionStore whose entries expire ttl after
// their last write (default 30 minutes).
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &SessionStore{ttl: ttl, m: make(map[string]sessionEntry)}
}

// Put records progress for sessionID, resetting its expiry.
func (s *SessionStore) Put(sessionID string, progress Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[sessionID] = sessionEntry{progress: progress, expires: timeNow().Add(s.ttl)}
}

// Get returns the progress recorded for sessionID, if any and not expired.
func (s *SessionStore) Get(sessionID string) (Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.m[sessionID]
	if !ok || timeNow().After(entry.expires) {
		return Progress{}, false
	}
	return entry.progress, true
}

// Sweep removes every session whose TTL has elapsed, returning how many
// were evicted.
func (s *SessionStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := timeNow()
	evicted := 0
	for id, entry := range s.m {
		if now.After(entry.expires) {
			delete(s.m, id)
			evicted++
		}
	}
	return evicted
}

// timeNow is indirected so tests can fake the clock without racing the
// package-level time.Now used elsewhere.
var timeNow = time.Now
