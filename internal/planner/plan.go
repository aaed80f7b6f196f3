// Package planner implements the Job Planner: expanding a
// high-level migration request into the concrete jobs published to the
// broker.
package planner

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dhis2pipeline/migrate/internal/apperr"
	"github.com/dhis2pipeline/migrate/internal/broker"
	"github.com/dhis2pipeline/migrate/internal/config"
	"github.com/dhis2pipeline/migrate/internal/jobs"
	"github.com/dhis2pipeline/migrate/internal/queue"
)

// Planner expands requests into jobs and publishes them.
type Planner struct {
	store  config.Store
	broker *broker.Broker
}

// New constructs a Planner.
func New(store config.Store, b *broker.Broker) *Planner {
	return &Planner{store: store, broker: b}
}

func newJob(configID string, kind jobs.Kind) jobs.Job {
	return jobs.Job{
		ConfigID:   configID,
		JobID:      uuid.New().String(),
		RetryCount: 0,
		QueuedAt:   time.Now(),
		Kind:       kind,
	}
}

// MetadataDownloadRequest is the parsed request body/query for
// `POST /metadata-download/{configId}`.
type MetadataDownloadRequest struct {
	MetadataSource         jobs.MetadataSource
	SelectedDashboards     []string
	SelectedVisualizations []string
	SelectedMaps           []string
}

// PlanMetadataDownload publishes a single metadata-download job: there is
// no fan-out at plan time, regardless of how many items are selected,
// including zero.
func (p *Planner) PlanMetadataDownload(configID string, req MetadataDownloadRequest) (jobs.Job, error) {
	if _, err := p.store.Get(configID); err != nil {
		return jobs.Job{}, err
	}

	total := len(req.SelectedDashboards) + len(req.SelectedVisualizations) + len(req.SelectedMaps)
	job := newJob(configID, jobs.KindMetadataDownload)
	job.MetadataDownload = &jobs.MetadataDownloadPayload{
		SelectedDashboards:     req.SelectedDashboards,
		SelectedVisualizations: req.SelectedVisualizations,
		SelectedMaps:           req.SelectedMaps,
		MetadataSource:         req.MetadataSource,
		TotalItems:             total,
	}

	queueName, _ := queue.Names(configID)
	if err := p.publish(queueName[indexOf(jobs.KindMetadataDownload)], job); err != nil {
		return jobs.Job{}, err
	}
	return job, nil
}

// DataDownloadRequest is the parsed request body/query for
// `POST /data-download/{configId}` and `POST /data-delete/{configId}`.
type DataDownloadRequest struct {
	DataItemConfigIDs []string
	Periods           []string
	Overrides         jobs.RuntimeOverrides
	IsDelete          bool
}

// PlanDataDownload implements the data-download/data-deletion plan: for
// each dataItemConfigId, resolve its period type and expand the requested
// period selection, emitting one DataDownload job per (dataItemConfigId,
// periodId) pair. Jobs are published in dataItemConfigId order from the
// request, then ascending period id; the returned slice is sorted by
// dataItemConfigId, then period id, so it is stable for a given request.
func (p *Planner) PlanDataDownload(configID string, req DataDownloadRequest) ([]jobs.Job, error) {
	cfg, err := p.store.Get(configID)
	if err != nil {
		return nil, err
	}

	queueNames, _ := queue.Names(configID)
	queueName := queueNames[indexOf(jobs.KindDataDownload)]

	var planned []jobs.Job
	for _, dicID := range req.DataItemConfigIDs {
		dic, ok := cfg.DataItemConfig(dicID)
		if !ok {
			return nil, apperr.New(apperr.KindValidation, fmt.Sprintf("unknown dataItemConfigId %q for config %s", dicID, configID))
		}

		periodIDs, err := ExpandPeriods(PeriodType(dic.PeriodType), req.Periods)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "expand periods for "+dicID, err)
		}

		overrides := req.Overrides
		// Tie-break: an explicit override wins over the DataItemConfig's
		// own org-unit level/parent when both are present.
		if overrides.OrgUnitLevelID == "" && dic.OrgUnitLevel != 0 {
			overrides.OrgUnitLevelID = fmt.Sprintf("%d", dic.OrgUnitLevel)
		}
		if overrides.ParentOrgUnit == "" {
			overrides.ParentOrgUnit = dic.ParentOrgUnit
		}

		for _, periodID := range periodIDs {
			job := newJob(configID, jobs.KindDataDownload)
			job.DataDownload = &jobs.DataDownloadPayload{
				DataItemConfigID: dicID,
				PeriodID:         periodID,
				Overrides:        overrides,
				IsDelete:         req.IsDelete,
			}
			if err := p.publish(queueName, job); err != nil {
				return planned, err
			}
			planned = append(planned, job)
		}
	}

	sort.Slice(planned, func(i, j int) bool {
		if planned[i].DataDownload.DataItemConfigID != planned[j].DataDownload.DataItemConfigID {
			return planned[i].DataDownload.DataItemConfigID < planned[j].DataDownload.DataItemConfigID
		}
		return planned[i].DataDownload.PeriodID < planned[j].DataDownload.PeriodID
	})
	return planned, nil
}

func (p *Planner) publish(queueName string, job jobs.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "marshal job "+job.JobID, err)
	}
	headers := broker.Headers{jobs.HeaderRetryCount: "0"}
	if err := p.broker.Publish(broker.ChannelWorkerPublish, queueName, body, headers); err != nil {
		return apperr.Wrap(apperr.KindBrokerUnavailable, "publish job "+job.JobID, err)
	}
	return nil
}

var kindOrder = []jobs.Kind{
	jobs.KindMetadataDownload,
	jobs.KindMetadataUpload,
	jobs.KindDataDownload,
	jobs.KindDataUpload,
	jobs.KindDataDeletion,
}

func indexOf(kind jobs.Kind) int {
	for i, k := range kindOrder {
		if k == kind {
			return i
		}
	}
	return -1
}
