// Package handlers implements the five process handlers bound to the
// Worker Runtime's consumers: MetadataDownload, MetadataUpload, DataDownload,
// and a unified DataUpload/DataDeletion handler discriminated by the
// job's IsDelete flag. Import/retry shapes follow importDataValuesChunk and
// importDataValues in other_examples/Dradebo-dhis2Sync__service.go.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/dhis2pipeline/migrate/internal/apperr"
	"github.com/dhis2pipeline/migrate/internal/broker"
	"github.com/dhis2pipeline/migrate/internal/config"
	"github.com/dhis2pipeline/migrate/internal/dhis2"
	"github.com/dhis2pipeline/migrate/internal/jobs"
	"github.com/dhis2pipeline/migrate/internal/mapping"
	"github.com/dhis2pipeline/migrate/internal/queue"
	"github.com/dhis2pipeline/migrate/internal/scratch"
)

// transportRetryDelay is how long the DataUpload handler waits before its
// single in-handler retry of a retryable transport fault.
const transportRetryDelay = 2 * time.Second

// Handlers bundles the dependencies shared by every process handler.
type Handlers struct {
	store   config.Store
	scratch *scratch.Store
	broker  *broker.Broker
}

// New constructs a Handlers bundle.
func New(store config.Store, scratchStore *scratch.Store, b *broker.Broker) *Handlers {
	return &Handlers{store: store, scratch: scratchStore, broker: b}
}

func (h *Handlers) clients(cfg *jobs.Configuration) (source, dest *dhis2.Client) {
	sourceTimeout := dhis2.DefaultTimeout
	if dhis2.SourceTimeout > 0 {
		sourceTimeout = dhis2.SourceTimeout
	}
	destTimeout := dhis2.DefaultTimeout
	if dhis2.DestTimeout > 0 {
		destTimeout = dhis2.DestTimeout
	}
	source = dhis2.New(cfg.SourceBaseURL, cfg.SourceToken, sourceTimeout)
	dest = dhis2.New(cfg.DestBaseURL, cfg.DestToken, destTimeout)
	return source, dest
}

func (h *Handlers) publish(queueName string, job jobs.Job) error {
	body, err := jobBody(job)
	if err != nil {
		return err
	}
	headers := broker.Headers{jobs.HeaderRetryCount: "0"}
	if err := h.broker.Publish(broker.ChannelWorkerPublish, queueName, body, headers); err != nil {
		return apperr.Wrap(apperr.KindBrokerUnavailable, "publish follow-up job "+job.JobID, err)
	}
	return nil
}

// MetadataDownload fetches the selected dashboard/visualization/map objects
// and publishes a single follow-up MetadataUpload job carrying the bundle.
func (h *Handlers) MetadataDownload(ctx context.Context, job jobs.Job) error {
	payload := job.MetadataDownload
	if payload == nil {
		return apperr.New(apperr.KindPayloadInvalid, "metadataDownload job missing payload")
	}
	cfg, err := h.store.Get(job.ConfigID)
	if err != nil {
		return err
	}
	source, dest := h.clients(cfg)

	bundle := make(map[string]interface{})
	fetches := []struct {
		key    string
		path   string
		ids    []string
		fields string
	}{
		{"dashboards", "api/dashboards", payload.SelectedDashboards, "id,name,dashboardItems"},
		{"visualizations", "api/visualizations", payload.SelectedVisualizations, "id,name,dataDimensionItems,legendSet"},
		{"maps", "api/maps", payload.SelectedMaps, "id,name,mapViews"},
	}
	for _, f := range fetches {
		if len(f.ids) == 0 {
			continue
		}
		items, err := h.fetchMetadataItems(ctx, source, dest, cfg, payload.MetadataSource, f.path, f.ids, f.fields)
		if err != nil {
			return err
		}
		bundle[f.key] = items
	}

	followUp := jobs.Job{
		ConfigID:   job.ConfigID,
		JobID:      job.JobID + "-upload",
		QueuedAt:   job.QueuedAt,
		Kind:       jobs.KindMetadataUpload,
		MetadataUpload: &jobs.MetadataUploadPayload{Payload: bundle},
	}
	work, _ := queue.Names(job.ConfigID)
	return h.publish(work[indexOfKind(jobs.KindMetadataUpload)], followUp)
}

// fetchMetadataItems resolves ids against the source, either through the
// destination's route proxy (metadataSource=source) or, for any other
// metadataSource including flexiportal-config, directly against the source
// instance's own API. No local configuration store is consulted.
func (h *Handlers) fetchMetadataItems(ctx context.Context, source, dest *dhis2.Client, cfg *jobs.Configuration, metaSource jobs.MetadataSource, path string, ids []string, fields string) ([]map[string]interface{}, error) {
	params := url.Values{
		"filter": []string{"id:in:[" + strings.Join(ids, ",") + "]"},
		"fields": []string{fields},
	}

	var resp *dhis2.Response
	var err error
	switch metaSource {
	case jobs.MetadataSourceSource:
		resp, err = dest.RouteProxyGet(ctx, cfg.SourceRouteID, strings.TrimPrefix(path, "api/"), params)
	default:
		resp, err = source.Get(ctx, path, params)
	}
	if err != nil {
		return nil, err
	}

	var decoded map[string][]map[string]interface{}
	if err := resp.Decode(&decoded); err != nil {
		return nil, apperr.Wrap(apperr.KindPayloadInvalid, "decode metadata response for "+path, err)
	}
	for _, items := range decoded {
		return items, nil
	}
	return nil, nil
}

// MetadataUpload posts the metadata bundle to the destination's metadata
// import endpoint. A 409 response carrying an importCount is a partial
// success, not a failure; a 409 without one is returned as UpstreamFatal.
func (h *Handlers) MetadataUpload(ctx context.Context, job jobs.Job) error {
	payload := job.MetadataUpload
	if payload == nil {
		return apperr.New(apperr.KindPayloadInvalid, "metadataUpload job missing payload")
	}
	cfg, err := h.store.Get(job.ConfigID)
	if err != nil {
		return err
	}
	_, dest := h.clients(cfg)

	body := payload.Payload
	if payload.ScratchPath != "" {
		values, err := h.scratch.Read(payload.ScratchPath)
		if err != nil {
			return err
		}
		body = map[string]interface{}{"dataValues": values}
	}

	params := url.Values{"importStrategy": []string{"CREATE_AND_UPDATE"}}
	resp, err := dest.Post(ctx, "api/metadata", params, body)
	if err != nil {
		if apperr.IsConflict(err) {
			log.Printf("worker: metadata upload for %s returned 409, treating as partial success", job.ConfigID)
			return nil
		}
		return err
	}
	var summary importSummary
	_ = resp.Decode(&summary)
	log.Printf("worker: metadata upload for %s: imported=%d ignored=%d", job.ConfigID, summary.Stats.Created, summary.Stats.Ignored)
	return nil
}

// DataDownload resolves dimensions, expands mappings, fetches analytics
// values from the source, rewrites identifiers to the destination side, and
// publishes a follow-up DataUpload/DataDeletion job with a scratch file
// reference.
func (h *Handlers) DataDownload(ctx context.Context, job jobs.Job) error {
	payload := job.DataDownload
	if payload == nil {
		return apperr.New(apperr.KindPayloadInvalid, "dataDownload job missing payload")
	}
	cfg, err := h.store.Get(job.ConfigID)
	if err != nil {
		return err
	}
	dic, ok := cfg.DataItemConfig(payload.DataItemConfigID)
	if !ok {
		return apperr.New(apperr.KindValidation, "unknown dataItemConfigId "+payload.DataItemConfigID)
	}

	source, dest := h.clients(cfg)
	engine := mapping.New(source, dest)
	expanded, err := engine.Expand(ctx, dic.Mappings)
	if err != nil {
		return err
	}
	if len(expanded) == 0 {
		return apperr.New(apperr.KindMappingFailed, "no mappings resolved for "+payload.DataItemConfigID)
	}

	sourceIDs := make([]string, len(expanded))
	rewrite := make(map[string]mapping.ExpandedPair, len(expanded)*2)
	for i, pair := range expanded {
		sourceIDs[i] = pair.SourceID
		rewrite[pair.SourceID] = pair
		// Analytics rows with no categoryOptionCombo look up by the bare
		// data element; first pair wins for a given element.
		bare := strings.SplitN(pair.SourceID, ".", 2)[0]
		if _, exists := rewrite[bare]; !exists {
			rewrite[bare] = pair
		}
	}

	orgUnit := dic.ParentOrgUnit
	if payload.Overrides.ParentOrgUnit != "" {
		orgUnit = payload.Overrides.ParentOrgUnit
	}
	if payload.Overrides.OrgUnitLevelID != "" {
		orgUnit += ";LEVEL-" + payload.Overrides.OrgUnitLevelID
	}
	timeout := dhis2.DefaultDataTimeout
	if dhis2.SourceTimeout > 0 {
		timeout = dhis2.SourceTimeout
	}
	if payload.Overrides.Timeout > 0 {
		timeout = payload.Overrides.Timeout
	}
	source.HTTPClient.Timeout = timeout

	params := url.Values{
		"dimension": []string{
			"dx:" + strings.Join(sourceIDs, ";"),
			"pe:" + payload.PeriodID,
			"ou:" + orgUnit,
		},
	}
	resp, err := source.Get(ctx, "analytics/dataValueSet.json", params)
	if err != nil {
		return err
	}
	var fetched jobs.ScratchFile
	if err := resp.Decode(&fetched); err != nil {
		return apperr.Wrap(apperr.KindPayloadInvalid, "decode analytics response", err)
	}

	values := make([]map[string]interface{}, 0, len(fetched.DataValues))
	for _, v := range fetched.DataValues {
		raw, _ := v["value"].(string)
		if _, ok := mapping.ParseNumericValue(raw); !ok {
			continue
		}
		rewriteValue(v, rewrite)
		values = append(values, v)
	}

	if dic.AttributeOptionCombo != nil {
		values, err = engine.FanOut(ctx, values, *dic.AttributeOptionCombo)
		if err != nil {
			return err
		}
	}

	path, err := h.scratch.Write(job.ConfigID, values)
	if err != nil {
		return err
	}

	kind := jobs.KindDataUpload
	if payload.IsDelete {
		kind = jobs.KindDataDeletion
	}
	followUp := jobs.Job{
		ConfigID: job.ConfigID,
		JobID:    job.JobID + "-upload",
		QueuedAt: job.QueuedAt,
		Kind:     kind,
		DataUpload: &jobs.DataUploadPayload{ScratchPath: path, IsDelete: payload.IsDelete},
	}
	work, _ := queue.Names(job.ConfigID)
	return h.publish(work[indexOfKind(kind)], followUp)
}

// rewriteValue rewrites a value's dataElement (and categoryOptionCombo, if
// the value carried one) to the destination-side identifier.
func rewriteValue(v map[string]interface{}, rewrite map[string]mapping.ExpandedPair) {
	dataElement, _ := v["dataElement"].(string)
	coc, _ := v["categoryOptionCombo"].(string)

	if coc != "" {
		if pair, ok := rewrite[dataElement+"."+coc]; ok {
			destParts := strings.SplitN(pair.DestinationID, ".", 2)
			v["dataElement"] = destParts[0]
			if len(destParts) == 2 {
				v["categoryOptionCombo"] = destParts[1]
			}
			return
		}
	}
	// A value with no combo only gets its data element rewritten; injecting a
	// destination combo it never carried would invent disaggregation.
	if pair, ok := rewrite[dataElement]; ok {
		v["dataElement"] = strings.SplitN(pair.DestinationID, ".", 2)[0]
	}
}

// DataUpload handles both DataUpload and DataDeletion jobs: the IsDelete
// flag on the payload selects the import strategy.
func (h *Handlers) DataUpload(ctx context.Context, job jobs.Job) error {
	payload := job.DataUpload
	if payload == nil {
		return apperr.New(apperr.KindPayloadInvalid, "dataUpload job missing payload")
	}
	cfg, err := h.store.Get(job.ConfigID)
	if err != nil {
		return err
	}
	_, dest := h.clients(cfg)

	var values []map[string]interface{}
	if payload.ScratchPath != "" {
		values, err = h.scratch.Read(payload.ScratchPath)
		if err != nil {
			return err
		}
	} else if payload.Payload != nil {
		values = inlineDataValues(payload.Payload)
	}
	if len(values) == 0 {
		return apperr.New(apperr.KindPayloadInvalid, "dataValues is empty for job "+job.JobID)
	}

	strategy := "CREATE_AND_UPDATE"
	if payload.IsDelete {
		strategy = "DELETE"
	}
	params := url.Values{"importStrategy": []string{strategy}, "async": []string{"false"}}
	body := jobs.ScratchFile{DataValues: values}

	resp, postErr := dest.Post(ctx, "dataValueSets", params, body)
	// An open circuit breaker is surfaced as-is: no inline retry.
	circuitOpen := errors.Is(postErr, gobreaker.ErrOpenState) || errors.Is(postErr, gobreaker.ErrTooManyRequests)
	if postErr != nil && apperr.Retryable(apperr.KindOf(postErr)) && !apperr.IsConflict(postErr) && !circuitOpen {
		time.Sleep(transportRetryDelay)
		resp, postErr = dest.Post(ctx, "dataValueSets", params, body)
	}

	if postErr != nil {
		if apperr.IsConflict(postErr) {
			// Partial success: log the summary and clean up the scratch file
			// so it isn't orphaned, but still surface the conflict so the
			// retry machinery records the failure.
			var summary importSummary
			if resp != nil {
				_ = resp.Decode(&summary)
			}
			counts := summary.counts()
			log.Printf("worker: data upload for %s returned 409, partial success: imported=%d ignored=%d",
				job.ConfigID, counts.Imported, counts.Ignored)
			if delErr := h.scratch.Delete(payload.ScratchPath); delErr != nil {
				log.Printf("worker: failed to clean up scratch file after conflict: %v", delErr)
			}
		}
		return postErr
	}

	var summary importSummary
	_ = resp.Decode(&summary)
	counts := summary.counts()
	log.Printf("worker: data upload for %s: imported=%d updated=%d ignored=%d deleted=%d",
		job.ConfigID, counts.Imported, counts.Updated, counts.Ignored, counts.Deleted)
	return h.scratch.Delete(payload.ScratchPath)
}

// inlineDataValues extracts the dataValues array from an inline payload.
// A payload decoded from JSON carries []interface{} elements, so each row is
// re-asserted individually; rows of any other shape are dropped.
func inlineDataValues(payload map[string]interface{}) []map[string]interface{} {
	if typed, ok := payload["dataValues"].([]map[string]interface{}); ok {
		return typed
	}
	raw, ok := payload["dataValues"].([]interface{})
	if !ok {
		return nil
	}
	values := make([]map[string]interface{}, 0, len(raw))
	for _, entry := range raw {
		if v, ok := entry.(map[string]interface{}); ok {
			values = append(values, v)
		}
	}
	return values
}

type importCounts struct {
	Imported int `json:"imported"`
	Updated  int `json:"updated"`
	Ignored  int `json:"ignored"`
	Deleted  int `json:"deleted"`
}

type importSummary struct {
	ImportCount importCounts `json:"importCount"`
	Response    struct {
		ImportCount importCounts `json:"importCount"`
	} `json:"response"`
	Stats struct {
		Created int `json:"created"`
		Ignored int `json:"ignored"`
	} `json:"stats"`
}

// counts returns the import counters wherever the upstream put them: data
// value set imports nest them under "response" on 409 responses.
func (s importSummary) counts() importCounts {
	if s.ImportCount == (importCounts{}) {
		return s.Response.ImportCount
	}
	return s.ImportCount
}

var kindOrder = []jobs.Kind{
	jobs.KindMetadataDownload,
	jobs.KindMetadataUpload,
	jobs.KindDataDownload,
	jobs.KindDataUpload,
	jobs.KindDataDeletion,
}

func indexOfKind(kind jobs.Kind) int {
	for i, k := range kindOrder {
		if k == kind {
			return i
		}
	}
	return -1
}

func jobBody(job jobs.Job) ([]byte, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "marshal job "+job.JobID, err)
	}
	return body, nil
}
