// Package queue implements the Queue Manager: declaring and
// deleting a per-configId queue family (five work queues plus one DLQ) and
// reporting queue stats to the Status API.
package queue

import (
	"fmt"

	"github.com/dhis2pipeline/migrate/internal/apperr"
	"github.com/dhis2pipeline/migrate/internal/broker"
	"github.com/dhis2pipeline/migrate/internal/config"
	"github.com/dhis2pipeline/migrate/internal/jobs"
)

// kinds lists the five work-queue kinds in a stable order, used both for
// family creation and for the Status API's queue listing.
var kinds = []jobs.Kind{
	jobs.KindMetadataDownload,
	jobs.KindMetadataUpload,
	jobs.KindDataDownload,
	jobs.KindDataUpload,
	jobs.KindDataDeletion,
}

// Names returns the five work-queue names and the DLQ name for configID,
// in fixed, predictable patterns operators can depend on.
func Names(configID string) (work []string, dlq string) {
	for _, k := range kinds {
		work = append(work, k.QueueSuffix()+"."+configID)
	}
	return work, "failed." + configID
}

// brokerClient is the slice of *broker.Broker the Manager needs; narrowed to
// an interface so family creation/deletion is testable without a live
// JetStream connection.
type brokerClient interface {
	DeclareQueue(name string, opts broker.QueueOptions) error
	BindDLQ(queue, dlq string) error
	DeleteQueue(name string) (int, error)
	Stats(name string) (broker.QueueStats, error)
}

// Manager is the Queue Manager.
type Manager struct {
	broker brokerClient
	store  config.Store
}

// New constructs a Manager over b, consulting store to validate configIds
// exist before declaring a family.
func New(b brokerClient, store config.Store) *Manager {
	return &Manager{broker: b, store: store}
}

// CreateQueueFamily idempotently declares the five work queues for configID
// plus its DLQ, wiring dead-letter routing on each work queue. Only the five
// work-queue names are returned; the DLQ is declared but not listed.
func (m *Manager) CreateQueueFamily(configID string) ([]string, error) {
	if _, err := m.store.Get(configID); err != nil {
		return nil, apperr.Wrap(apperr.KindConfigNotFound, "config lookup failed for "+configID, err)
	}

	work, dlq := Names(configID)
	if err := m.broker.DeclareQueue(dlq, broker.QueueOptions{}); err != nil {
		return nil, fmt.Errorf("queue: declare DLQ %s: %w", dlq, err)
	}
	for _, name := range work {
		if err := m.broker.DeclareQueue(name, broker.QueueOptions{DeadLetterQueue: dlq}); err != nil {
			return nil, fmt.Errorf("queue: declare %s: %w", name, err)
		}
		if err := m.broker.BindDLQ(name, dlq); err != nil {
			return nil, fmt.Errorf("queue: bind DLQ for %s: %w", name, err)
		}
	}
	return work, nil
}

// DeleteQueueFamilyResult is returned by DeleteQueueFamily.
type DeleteQueueFamilyResult struct {
	DeletedQueues  int
	MessagesPurged int
}

// DeleteQueueFamily tears down all six queues for configID. Deleting an
// already-deleted family is a broker-level no-op; the reported count always
// covers the six family names.
func (m *Manager) DeleteQueueFamily(configID string) (DeleteQueueFamilyResult, error) {
	work, dlq := Names(configID)
	all := append(append([]string{}, work...), dlq)

	var result DeleteQueueFamilyResult
	for _, name := range all {
		purged, err := m.broker.DeleteQueue(name)
		if err != nil {
			return result, fmt.Errorf("queue: delete %s: %w", name, err)
		}
		result.DeletedQueues++
		result.MessagesPurged += purged
	}
	return result, nil
}

// PerQueueStats is one queue's counters, keyed by the logical process name
// (e.g. "metadataDownload") as exposed by the Status API.
type PerQueueStats struct {
	Ready    int `json:"ready"`
	Unacked  int `json:"unacked"`
	DLQCount int `json:"dlq"`
}

// Health summarizes queue-family health for the Status API.
type Health struct {
	Healthy      bool     `json:"healthy"`
	TotalQueues  int      `json:"totalQueues"`
	ActiveQueues int      `json:"activeQueues"`
	FailedQueues int      `json:"failedQueues"`
	Issues       []string `json:"issues"`
}

// StatsResult is the full payload for `GET /queues/{configId}` and for the
// Status API's per-config queue section.
type StatsResult struct {
	PerQueue map[string]PerQueueStats `json:"perQueue"`
	Health   Health                   `json:"health"`
}

var processNames = map[jobs.Kind]string{
	jobs.KindMetadataDownload: "metadataDownload",
	jobs.KindMetadataUpload:   "metadataUpload",
	jobs.KindDataDownload:     "dataDownload",
	jobs.KindDataUpload:       "dataUpload",
	jobs.KindDataDeletion:     "dataDeletion",
}

// StatsFor introspects the broker for configID's queue family.
func (m *Manager) StatsFor(configID string) (StatsResult, error) {
	work, dlqName := Names(configID)
	dlqStats, dlqErr := m.broker.Stats(dlqName)

	result := StatsResult{PerQueue: make(map[string]PerQueueStats)}
	result.Health.TotalQueues = len(work) + 1

	for i, name := range work {
		kind := kinds[i]
		stats, err := m.broker.Stats(name)
		if err != nil {
			result.Health.FailedQueues++
			result.Health.Issues = append(result.Health.Issues, fmt.Sprintf("queue %s: %v", name, err))
			continue
		}
		result.Health.ActiveQueues++
		dlqCount := 0
		if dlqErr == nil {
			dlqCount = dlqStats.Ready
		}
		result.PerQueue[processNames[kind]] = PerQueueStats{
			Ready:    stats.Ready,
			Unacked:  stats.Unacked,
			DLQCount: dlqCount,
		}
	}
	if dlqErr != nil {
		result.Health.Issues = append(result.Health.Issues, fmt.Sprintf("dlq %s: %v", dlqName, dlqErr))
	}
	result.Health.Healthy = result.Health.FailedQueues == 0
	return result, nil
}
