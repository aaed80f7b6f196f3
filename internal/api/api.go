// Package api implements the Status/Failed-Queue HTTP API and the
// trigger endpoints for metadata/data migration and validation, using
// gin-gonic/gin the way backend/metadata/api.go structures its API type
// (store-holding struct, RegisterRoutes(router) method, grouped routes).
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dhis2pipeline/migrate/internal/apperr"
	"github.com/dhis2pipeline/migrate/internal/broker"
	"github.com/dhis2pipeline/migrate/internal/jobs"
	"github.com/dhis2pipeline/migrate/internal/planner"
	"github.com/dhis2pipeline/migrate/internal/queue"
	"github.com/dhis2pipeline/migrate/internal/validation"
)

const defaultMaxReplayRetries = 10

// API bundles the dependencies behind every HTTP endpoint.
type API struct {
	planner  *planner.Planner
	queueMgr *queue.Manager
	broker   *broker.Broker
	validate *validation.Engine
	sessions *validation.SessionStore

	version string
}

// New constructs an API.
func New(p *planner.Planner, queueMgr *queue.Manager, b *broker.Broker, validate *validation.Engine, sessions *validation.SessionStore, version string) *API {
	return &API{planner: p, queueMgr: queueMgr, broker: b, validate: validate, sessions: sessions, version: version}
}

// RegisterRoutes wires every endpoint from the external-interfaces contract
// onto router.
func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/info", a.info)

	for _, verb := range []string{http.MethodPost, http.MethodGet} {
		router.Handle(verb, "/metadata-download/:configId", a.triggerMetadataDownload)
		router.Handle(verb, "/data-download/:configId", a.triggerDataDownload(false))
		router.Handle(verb, "/data-delete/:configId", a.triggerDataDownload(true))
	}
	router.POST("/data-validation/:configId", a.triggerValidation)
	router.GET("/data-validation/:configId/session/:sessionId", a.validationSession)

	router.POST("/queues/:configId", a.createQueueFamily)
	router.DELETE("/queues/:configId", a.deleteQueueFamily)
	router.GET("/queues/:configId", a.queueStats)

	router.GET("/status/:configId", a.status)
	router.GET("/failed-queue/:configId", a.listFailedQueue)
	router.DELETE("/failed-queue/:configId", a.purgeFailedQueue)
	router.GET("/retry/:configId", a.retry)
	router.POST("/retry/:configId/message/:messageId", a.retryMessage)
}

func (a *API) info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": a.version})
}

func respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(apperr.KindOf(err))
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}

func (a *API) triggerMetadataDownload(c *gin.Context) {
	configID := c.Param("configId")

	var req struct {
		MetadataSource         jobs.MetadataSource `json:"metadataSource" form:"metadataSource"`
		SelectedDashboards     []string            `json:"selectedDashboards" form:"selectedDashboards"`
		SelectedVisualizations []string            `json:"selectedVisualizations" form:"selectedVisualizations"`
		SelectedMaps           []string            `json:"selectedMaps" form:"selectedMaps"`
	}
	if c.Request.Method == http.MethodGet {
		req.MetadataSource = jobs.MetadataSource(c.Query("metadataSource"))
		req.SelectedDashboards = jsonArrayQuery(c, "selectedDashboards")
		req.SelectedVisualizations = jsonArrayQuery(c, "selectedVisualizations")
		req.SelectedMaps = jsonArrayQuery(c, "selectedMaps")
	} else if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.KindValidation, "parse metadata-download request", err))
		return
	}

	job, err := a.planner.PlanMetadataDownload(configID, planner.MetadataDownloadRequest{
		MetadataSource:         req.MetadataSource,
		SelectedDashboards:     req.SelectedDashboards,
		SelectedVisualizations: req.SelectedVisualizations,
		SelectedMaps:           req.SelectedMaps,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success":    true,
		"message":    "metadata download queued",
		"configId":   configID,
		"totalItems": job.MetadataDownload.TotalItems,
		"status":     "processing",
	})
}

func (a *API) triggerDataDownload(isDelete bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		configID := c.Param("configId")

		var req struct {
			DataItemsConfigIDs []string `json:"dataItemsConfigIds" form:"dataItemsConfigIds"`
			RuntimeConfig      struct {
				Periods         []string `json:"periods" form:"periods"`
				PageSize        int      `json:"pageSize" form:"pageSize"`
				PaginateByData  bool     `json:"paginateByData" form:"paginateByData"`
				TimeoutMS       int      `json:"timeout" form:"timeout"`
				OrgUnitLevelID  string   `json:"orgUnitLevelId" form:"orgUnitLevelId"`
				ParentOrgUnit   string   `json:"parentOrgUnit" form:"parentOrgUnit"`
			} `json:"runtimeConfig"`
			IsDelete *bool `json:"isDelete" form:"isDelete"`
		}
		if err := bindRequest(c, &req); err != nil {
			respondError(c, apperr.Wrap(apperr.KindValidation, "parse data-download request", err))
			return
		}
		if c.Request.Method == http.MethodGet {
			req.DataItemsConfigIDs = jsonArrayQuery(c, "dataItemsConfigIds")
			req.RuntimeConfig.Periods = jsonArrayQuery(c, "periods")
		}

		effectiveDelete := isDelete
		if req.IsDelete != nil {
			effectiveDelete = *req.IsDelete
		}

		jobsPlanned, err := a.planner.PlanDataDownload(configID, planner.DataDownloadRequest{
			DataItemConfigIDs: req.DataItemsConfigIDs,
			Periods:           req.RuntimeConfig.Periods,
			IsDelete:          effectiveDelete,
			Overrides: jobs.RuntimeOverrides{
				OrgUnitLevelID: req.RuntimeConfig.OrgUnitLevelID,
				ParentOrgUnit:  req.RuntimeConfig.ParentOrgUnit,
				Timeout:        time.Duration(req.RuntimeConfig.TimeoutMS) * time.Millisecond,
				PageSize:       req.RuntimeConfig.PageSize,
				PaginateByData: req.RuntimeConfig.PaginateByData,
			},
		})
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"success":  true,
			"message":  "data download queued",
			"configId": configID,
			"jobCount": len(jobsPlanned),
			"status":   "processing",
		})
	}
}

func (a *API) triggerValidation(c *gin.Context) {
	configID := c.Param("configId")

	var req struct {
		DataItemConfigIDs []string `json:"dataItemConfigIds"`
		Periods           []string `json:"periods"`
		OrgUnits          []string `json:"orgUnits"`
		PageSize          int      `json:"pageSize"`
		SkipDestination   bool     `json:"skipDestination"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Wrap(apperr.KindValidation, "parse data-validation request", err))
		return
	}

	sessionID := uuid.New().String()
	// The run outlives this request: gin cancels the request context as soon
	// as the 202 is written, so the background task gets its own.
	go func() {
		_, _ = a.validate.Run(context.Background(), sessionID, validation.Request{
			ConfigID:          configID,
			DataItemConfigIDs: req.DataItemConfigIDs,
			Periods:           req.Periods,
			OrgUnits:          req.OrgUnits,
			PageSize:          req.PageSize,
			SkipDestination:   req.SkipDestination,
		})
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"success":   true,
		"configId":  configID,
		"sessionId": sessionID,
		"status":    "processing",
	})
}

// validationSession exposes the live progress counters of an in-flight (or
// recently completed) validation run.
func (a *API) validationSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	progress, ok := a.sessions.Get(sessionID)
	if !ok {
		respondError(c, apperr.New(apperr.KindConfigNotFound, "no validation session "+sessionID))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"configId":  c.Param("configId"),
		"sessionId": sessionID,
		"progress":  progress,
	})
}

func (a *API) createQueueFamily(c *gin.Context) {
	configID := c.Param("configId")
	names, err := a.queueMgr.CreateQueueFamily(configID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "configId": configID, "queues": names})
}

func (a *API) deleteQueueFamily(c *gin.Context) {
	configID := c.Param("configId")
	result, err := a.queueMgr.DeleteQueueFamily(configID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"deletedQueues":  result.DeletedQueues,
		"messagesPurged": result.MessagesPurged,
	})
}

func (a *API) queueStats(c *gin.Context) {
	configID := c.Param("configId")
	stats, err := a.queueMgr.StatsFor(configID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "configId": configID, "stats": stats})
}

// status aggregates per-queue counters and computes the overall status
// priority: RUNNING > QUEUED > FAILED > COMPLETED > IDLE.
func (a *API) status(c *gin.Context) {
	configID := c.Param("configId")
	stats, err := a.queueMgr.StatsFor(configID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"configId":  configID,
		"queues":    stats.PerQueue,
		"health":    stats.Health,
		"status":    overallStatus(stats),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func overallStatus(stats queue.StatsResult) string {
	var unacked, ready, dlq int
	for _, q := range stats.PerQueue {
		unacked += q.Unacked
		ready += q.Ready
		dlq += q.DLQCount
	}
	switch {
	case unacked > 0:
		return "RUNNING"
	case ready > 0:
		return "QUEUED"
	case dlq > 0:
		return "FAILED"
	case stats.Health.ActiveQueues > 0:
		return "COMPLETED"
	default:
		return "IDLE"
	}
}

func (a *API) listFailedQueue(c *gin.Context) {
	configID := c.Param("configId")
	_, dlqName := queue.Names(configID)

	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)
	includeMessages := c.Query("includeMessages") == "true"
	onlyQueue := c.Query("queue")
	if onlyQueue == "" {
		onlyQueue = c.Query("onlyQueues")
	}

	messages, err := a.broker.ListDLQ(dlqName, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}

	entries := make([]gin.H, 0, len(messages))
	for _, m := range messages {
		queueType := m.Headers[jobs.HeaderQueueType]
		if onlyQueue != "" && queueType != onlyQueue {
			continue
		}
		entry := gin.H{
			"sequence":   m.Sequence,
			"queueType":  queueType,
			"retryCount": m.RetryCount,
			"headers":    m.Headers,
		}
		if includeMessages {
			var decoded map[string]interface{}
			if json.Unmarshal(m.Body, &decoded) == nil {
				entry["message"] = decoded
			}
		}
		entries = append(entries, entry)
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "configId": configID, "messages": entries})
}

func (a *API) purgeFailedQueue(c *gin.Context) {
	configID := c.Param("configId")
	_, dlqName := queue.Names(configID)
	purged, err := a.broker.PurgeQueue(dlqName)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "configId": configID, "purged": purged})
}

// retry republishes up to maxRetries DLQ messages of the given processType
// back onto their originating queue, resetting x-retry-count.
func (a *API) retry(c *gin.Context) {
	configID := c.Param("configId")
	retryType := c.Query("retryType")
	if retryType != "" && retryType != "process-type" {
		respondError(c, apperr.New(apperr.KindValidation, "unsupported retryType "+retryType))
		return
	}
	processType := c.Query("processType")
	if processType == "" {
		respondError(c, apperr.New(apperr.KindValidation, "processType is required"))
		return
	}
	maxRetries := queryInt(c, "maxRetries", defaultMaxReplayRetries)

	work, dlqName := queue.Names(configID)
	targetQueue := targetQueueFor(work, processType)
	if targetQueue == "" {
		respondError(c, apperr.New(apperr.KindValidation, "unknown processType "+processType))
		return
	}

	messages, err := a.broker.ListDLQ(dlqName, maxRetries*4, 0)
	if err != nil {
		respondError(c, err)
		return
	}

	republished := 0
	for _, m := range messages {
		if republished >= maxRetries {
			break
		}
		if m.Headers[jobs.HeaderQueueType] != processType {
			continue
		}
		if err := a.broker.RepublishDLQMessage(dlqName, m.Sequence, targetQueue); err != nil {
			respondError(c, err)
			return
		}
		republished++
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "configId": configID, "republished": republished})
}

func (a *API) retryMessage(c *gin.Context) {
	configID := c.Param("configId")
	sequence, err := strconv.ParseUint(c.Param("messageId"), 10, 64)
	if err != nil {
		respondError(c, apperr.Wrap(apperr.KindValidation, "invalid messageId", err))
		return
	}

	_, dlqName := queue.Names(configID)
	msg, err := a.broker.GetDLQMessage(dlqName, sequence)
	if err != nil {
		respondError(c, err)
		return
	}

	work, _ := queue.Names(configID)
	targetQueue := targetQueueFor(work, msg.Headers[jobs.HeaderQueueType])
	if targetQueue == "" {
		respondError(c, apperr.New(apperr.KindValidation, "message carries no recognizable queue type"))
		return
	}

	if err := a.broker.RepublishDLQMessage(dlqName, sequence, targetQueue); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "configId": configID, "republished": 1})
}

// targetQueueFor maps a bare process-type name (e.g. "dataUpload") to the
// declared work-queue name it corresponds to ("data.upload.{configId}").
func targetQueueFor(work []string, processType string) string {
	suffixByProcess := map[string]string{
		"metadataDownload": "metadata.download.",
		"metadataUpload":   "metadata.upload.",
		"dataDownload":     "data.download.",
		"dataUpload":       "data.upload.",
		"dataDeletion":     "data.delete.",
	}
	prefix, ok := suffixByProcess[processType]
	if !ok {
		return ""
	}
	for _, name := range work {
		if strings.HasPrefix(name, prefix) {
			return name
		}
	}
	return ""
}

func queryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// bindRequest binds either a JSON body (POST) or query params (GET),
// mirroring the dual POST/GET trigger contract in the external-interfaces
// section.
func bindRequest(c *gin.Context, req interface{}) error {
	if c.Request.Method == http.MethodGet {
		return c.ShouldBindQuery(req)
	}
	return c.ShouldBindJSON(req)
}

// jsonArrayQuery parses a query param the UI sends as one JSON-encoded array
// (e.g. selectedMaps=["m1","m2"]), falling back to repeated params.
func jsonArrayQuery(c *gin.Context, key string) []string {
	raw := strings.TrimSpace(c.Query(key))
	if strings.HasPrefix(raw, "[") {
		var out []string
		if json.Unmarshal([]byte(raw), &out) == nil {
			return out
		}
	}
	return c.QueryArray(key)
}
