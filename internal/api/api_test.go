package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhis2pipeline/migrate/internal/apperr"
	"github.com/dhis2pipeline/migrate/internal/broker"
	"github.com/dhis2pipeline/migrate/internal/jobs"
	"github.com/dhis2pipeline/migrate/internal/planner"
	"github.com/dhis2pipeline/migrate/internal/queue"
	"github.com/dhis2pipeline/migrate/internal/validation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

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

func newTestAPI() (*API, *gin.Engine) {
	store := &fakeStore{configs: map[string]*jobs.Configuration{"cfg-1": {ID: "cfg-1"}}}
	b := broker.New("")
	p := planner.New(store, b)
	queueMgr := queue.New(b, store)
	sessions := validation.NewSessionStore(0)
	engine := validation.New(store, sessions)

	a := New(p, queueMgr, b, engine, sessions, "test-version")
	router := gin.New()
	a.RegisterRoutes(router)
	return a, router
}

func TestInfoReportsVersion(t *testing.T) {
	_, router := newTestAPI()

	req := httptest.NewRequest(http.MethodGet, "/info", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test-version")
}

func TestTriggerMetadataDownloadUnknownConfigReturnsNotFound(t *testing.T) {
	_, router := newTestAPI()

	req := httptest.NewRequest(http.MethodPost, "/metadata-download/missing-cfg", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerValidationUnknownConfigStillAccepted(t *testing.T) {
	// triggerValidation runs the engine asynchronously, so the HTTP response
	// only reflects that a session was created, not the run's outcome.
	_, router := newTestAPI()

	req := httptest.NewRequest(http.MethodPost, "/data-validation/missing-cfg", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "sessionId")
}

func TestValidationSessionReturnsRecordedProgress(t *testing.T) {
	a, router := newTestAPI()
	a.sessions.Put("sess-1", validation.Progress{Status: validation.StatusCompleted, DiscrepanciesFound: 2})

	req := httptest.NewRequest(http.MethodGet, "/data-validation/cfg-1/session/sess-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"discrepanciesFound":2`)
}

func TestValidationSessionUnknownIDIsNotFound(t *testing.T) {
	_, router := newTestAPI()

	req := httptest.NewRequest(http.MethodGet, "/data-validation/cfg-1/session/nope", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryRequiresProcessType(t *testing.T) {
	_, router := newTestAPI()

	req := httptest.NewRequest(http.MethodGet, "/retry/cfg-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryRejectsUnsupportedRetryType(t *testing.T) {
	_, router := newTestAPI()

	req := httptest.NewRequest(http.MethodGet, "/retry/cfg-1?retryType=bogus&processType=dataUpload", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOverallStatusPriority(t *testing.T) {
	t.Run("unacked wins", func(t *testing.T) {
		stats := queue.StatsResult{PerQueue: map[string]queue.PerQueueStats{"dataUpload": {Unacked: 1, Ready: 1, DLQCount: 1}}}
		assert.Equal(t, "RUNNING", overallStatus(stats))
	})
	t.Run("ready without unacked is queued", func(t *testing.T) {
		stats := queue.StatsResult{PerQueue: map[string]queue.PerQueueStats{"dataUpload": {Ready: 1, DLQCount: 1}}}
		assert.Equal(t, "QUEUED", overallStatus(stats))
	})
	t.Run("dlq only is failed", func(t *testing.T) {
		stats := queue.StatsResult{PerQueue: map[string]queue.PerQueueStats{"dataUpload": {DLQCount: 1}}}
		assert.Equal(t, "FAILED", overallStatus(stats))
	})
	t.Run("active queues with nothing pending is completed", func(t *testing.T) {
		stats := queue.StatsResult{
			PerQueue: map[string]queue.PerQueueStats{"dataUpload": {}},
			Health:   queue.Health{ActiveQueues: 1},
		}
		assert.Equal(t, "COMPLETED", overallStatus(stats))
	})
	t.Run("nothing at all is idle", func(t *testing.T) {
		assert.Equal(t, "IDLE", overallStatus(queue.StatsResult{}))
	})
}

func TestTargetQueueForKnownProcessType(t *testing.T) {
	work, _ := queue.Names("cfg-1")
	assert.Equal(t, "data.upload.cfg-1", targetQueueFor(work, "dataUpload"))
}

func TestTargetQueueForUnknownProcessTypeIsEmpty(t *testing.T) {
	work, _ := queue.Names("cfg-1")
	assert.Equal(t, "", targetQueueFor(work, "bogus"))
}

func TestQueryIntFallsBackOnMissingOrInvalid(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	var got int
	router.GET("/x", func(c *gin.Context) { got = queryInt(c, "limit", 50) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, 50, got)

	req = httptest.NewRequest(http.MethodGet, "/x?limit=not-a-number", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, 50, got)

	req = httptest.NewRequest(http.MethodGet, "/x?limit=7", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, 7, got)
}

func TestRespondErrorMapsKindToStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/x", func(c *gin.Context) {
		respondError(c, apperr.New(apperr.KindConfigNotFound, "nope"))
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "nope")
}
