package validation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhis2pipeline/migrate/internal/apperr"
	"github.com/dhis2pipeline/migrate/internal/dhis2"
	"github.com/dhis2pipeline/migrate/internal/jobs"
)

type fakeStore struct {
	configs map[string]*jobs.Configuration
}

func (f *fakeStore) Get(configID string) (*jobs.Configuration, error) {
	cfg, ok := f.configs[configID]
	if !ok {
		return nil, apperr.New(apperr.KindConfigNotFound, "no configuration "+configID)
	}
	return cfg, nil
}

func (f *fakeStore) List() ([]string, error) { return nil, nil }

func TestSessionStorePutGetRoundTrips(t *testing.T) {
	s := NewSessionStore(time.Minute)
	s.Put("sess-1", Progress{Status: StatusRunning, RecordsProcessed: 3})

	got, ok := s.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, Progress{Status: StatusRunning, RecordsProcessed: 3}, got)
}

func TestSessionStoreGetMissingIsNotFound(t *testing.T) {
	s := NewSessionStore(time.Minute)
	_, ok := s.Get("nope")
	assert.False(t, ok)
}

func TestSessionStoreExpiresAfterTTL(t *testing.T) {
	s := NewSessionStore(time.Minute)
	defer func() { timeNow = time.Now }()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	timeNow = func() time.Time { return base }
	s.Put("sess-1", Progress{Status: StatusRunning})

	timeNow = func() time.Time { return base.Add(2 * time.Minute) }
	_, ok := s.Get("sess-1")
	assert.False(t, ok, "entry should have expired")
}

func TestSessionStoreSweepEvictsExpiredOnly(t *testing.T) {
	s := NewSessionStore(time.Minute)
	defer func() { timeNow = time.Now }()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	timeNow = func() time.Time { return base }
	s.Put("expired", Progress{Status: StatusCompleted})

	timeNow = func() time.Time { return base.Add(30 * time.Second) }
	s.Put("fresh", Progress{Status: StatusRunning})

	timeNow = func() time.Time { return base.Add(90 * time.Second) }
	evicted := s.Sweep()
	assert.Equal(t, 1, evicted)

	_, freshOK := s.Get("fresh")
	assert.True(t, freshOK)
	_, expiredOK := s.Get("expired")
	assert.False(t, expiredOK)
}

func TestKeyForDefaultsMissingComboToDefault(t *testing.T) {
	key := keyFor(map[string]interface{}{"dataElement": "de-1", "period": "202401", "orgUnit": "ou-1"})
	assert.Equal(t, "default", key.coc)
}

func TestIndexValuesLastWriteWins(t *testing.T) {
	values := []map[string]interface{}{
		{"dataElement": "de-1", "period": "202401", "orgUnit": "ou-1", "value": "1"},
		{"dataElement": "de-1", "period": "202401", "orgUnit": "ou-1", "value": "2"},
	}
	indexed := indexValues(values)
	assert.Len(t, indexed, 1)
	for _, v := range indexed {
		assert.Equal(t, "2", v)
	}
}

func TestDiffClassifiesMissingInDestination(t *testing.T) {
	source := map[valueKey]string{{dataElement: "de-1", period: "202401", orgUnit: "ou-1", coc: "default"}: "5"}
	dest := map[valueKey]string{}

	discrepancies := diff(source, dest)
	require.Len(t, discrepancies, 1)
	assert.Equal(t, jobs.KindMissingInDestination, discrepancies[0].Kind)
	assert.Equal(t, jobs.SeverityMajor, discrepancies[0].Severity)
}

func TestDiffClassifiesMissingInSource(t *testing.T) {
	source := map[valueKey]string{}
	dest := map[valueKey]string{{dataElement: "de-1", period: "202401", orgUnit: "ou-1", coc: "default"}: "5"}

	discrepancies := diff(source, dest)
	require.Len(t, discrepancies, 1)
	assert.Equal(t, jobs.KindMissingInSource, discrepancies[0].Kind)
	assert.Equal(t, jobs.SeverityMinor, discrepancies[0].Severity)
}

func TestDiffSkipsEqualValues(t *testing.T) {
	key := valueKey{dataElement: "de-1", period: "202401", orgUnit: "ou-1", coc: "default"}
	source := map[valueKey]string{key: "5"}
	dest := map[valueKey]string{key: "5"}

	assert.Empty(t, diff(source, dest))
}

func TestMismatchSeverityEscalatesWhenDestinationExceedsSource(t *testing.T) {
	assert.Equal(t, jobs.SeverityCritical, mismatchSeverity("10", "15"))
}

func TestMismatchSeverityMajorForLargeShortfall(t *testing.T) {
	assert.Equal(t, jobs.SeverityMajor, mismatchSeverity("500", "100"))
}

func TestMismatchSeverityMinorForSmallShortfall(t *testing.T) {
	assert.Equal(t, jobs.SeverityMinor, mismatchSeverity("100", "95"))
}

func TestMismatchSeverityMajorForNonNumericValues(t *testing.T) {
	assert.Equal(t, jobs.SeverityMajor, mismatchSeverity("abc", "5"))
}

func TestFetchPagedChunksByPageSize(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"dataValues":[{"dataElement":"de-1","value":"1"}]}`))
	}))
	defer srv.Close()

	client := dhis2.New(srv.URL, "", 0)
	values, err := fetchPaged(context.Background(), client, []string{"de-1", "de-2", "de-3"}, []string{"202401"}, nil, 2)
	require.NoError(t, err)
	assert.Len(t, values, 2)
	assert.Equal(t, 2, requests)
}

func TestRunSurfacesDestinationFetchFailureAsWarning(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"dataValues":[{"dataElement":"DE_A","period":"202401","orgUnit":"ou-1","value":"10"}]}`))
	}))
	defer source.Close()

	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer dest.Close()

	store := &fakeStore{configs: map[string]*jobs.Configuration{
		"cfg-1": {
			ID:            "cfg-1",
			SourceBaseURL: source.URL,
			DestBaseURL:   dest.URL,
			DataItemConfigs: []jobs.DataItemConfig{
				{ID: "dic-1", Mappings: []jobs.Mapping{{SourceID: "DE_A", DestinationID: "DE_B"}}},
			},
		},
	}}
	engine := New(store, NewSessionStore(time.Minute))

	result, err := engine.Run(context.Background(), "sess-warn", Request{
		ConfigID:          "cfg-1",
		DataItemConfigIDs: []string{"dic-1"},
		Periods:           []string{"202401"},
	})
	require.NoError(t, err, "a destination fetch failure must not fail the whole run")
	require.Len(t, result.Progress.Warnings, 1)
	require.Len(t, result.Discrepancies, 1)
	assert.Equal(t, jobs.KindMissingInDestination, result.Discrepancies[0].Kind)
}

func TestRunQueriesDestinationByDestinationIDNotSourceID(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Query().Get("dimension"), "dx:DE_A")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"dataValues":[{"dataElement":"DE_A","period":"202401","orgUnit":"ou-1","value":"10"}]}`))
	}))
	defer source.Close()

	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dims := r.URL.Query()["dimension"]
		var dxDim string
		for _, d := range dims {
			if len(d) >= 3 && d[:3] == "dx:" {
				dxDim = d
			}
		}
		assert.Equal(t, "dx:DE_B", dxDim, "destination fetch must query by the destination-side mapping id")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"dataValues":[{"dataElement":"DE_B","period":"202401","orgUnit":"ou-1","value":"10"}]}`))
	}))
	defer dest.Close()

	store := &fakeStore{configs: map[string]*jobs.Configuration{
		"cfg-1": {
			ID:            "cfg-1",
			SourceBaseURL: source.URL,
			DestBaseURL:   dest.URL,
			DataItemConfigs: []jobs.DataItemConfig{
				{ID: "dic-1", Mappings: []jobs.Mapping{{SourceID: "DE_A", DestinationID: "DE_B"}}},
			},
		},
	}}
	sessions := NewSessionStore(time.Minute)
	engine := New(store, sessions)

	result, err := engine.Run(context.Background(), "sess-1", Request{
		ConfigID:          "cfg-1",
		DataItemConfigIDs: []string{"dic-1"},
		Periods:           []string{"202401"},
	})
	require.NoError(t, err)
	assert.Empty(t, result.Discrepancies, "source and destination values match once ids are correctly translated")
	assert.Equal(t, StatusCompleted, result.Progress.Status)
}
