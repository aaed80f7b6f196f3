// Package jobs defines the wire-level shapes published to and consumed from
// the broker, plus the configuration and discrepancy types that the rest of
// the pipeline is built around.
package jobs

import "time"

// Kind identifies which of the five process kinds a Job carries.
type Kind string

const (
	KindMetadataDownload Kind = "metadataDownload"
	KindMetadataUpload   Kind = "metadataUpload"
	KindDataDownload     Kind = "dataDownload"
	KindDataUpload       Kind = "dataUpload"
	KindDataDeletion     Kind = "dataDeletion"
)

// QueueSuffix returns the queue-family suffix used when naming the work
// queue for this kind, e.g. "metadata.download".
func (k Kind) QueueSuffix() string {
	switch k {
	case KindMetadataDownload:
		return "metadata.download"
	case KindMetadataUpload:
		return "metadata.upload"
	case KindDataDownload:
		return "data.download"
	case KindDataUpload:
		return "data.upload"
	case KindDataDeletion:
		return "data.delete"
	default:
		return "unknown"
	}
}

// Header names written before a message is nacked.
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderFailureReason = "x-failure-reason"
	HeaderErrorMessage  = "x-error-message"
	HeaderErrorName     = "x-error-name"
	HeaderErrorTime     = "x-error-timestamp"
	HeaderQueueType     = "x-queue-type"
	HeaderUpstreamStat  = "x-axios-status" // kept from the source system's naming for operator familiarity
	HeaderUpstreamCode  = "x-axios-code"
	HeaderUpstreamURL   = "x-axios-url"
)

// MetadataSource discriminates where a MetadataDownload job should pull
// dashboards/visualizations/maps from.
type MetadataSource string

const (
	MetadataSourceSource      MetadataSource = "source"
	MetadataSourceFlexiportal MetadataSource = "flexiportal-config"
)

// Job is the common envelope for every message on the broker. Kind-specific
// fields live in the embedded *Payload pointers; exactly one is populated
// for any given Kind.
type Job struct {
	ConfigID   string    `json:"configId"`
	JobID      string    `json:"jobId"`
	RetryCount int       `json:"retryCount"`
	QueuedAt   time.Time `json:"queuedAt"`
	Kind       Kind      `json:"kind"`

	MetadataDownload *MetadataDownloadPayload `json:"metadataDownload,omitempty"`
	MetadataUpload   *MetadataUploadPayload   `json:"metadataUpload,omitempty"`
	DataDownload     *DataDownloadPayload     `json:"dataDownload,omitempty"`
	DataUpload       *DataUploadPayload       `json:"dataUpload,omitempty"`
}

// MetadataDownloadPayload carries the selection for a metadata download job.
type MetadataDownloadPayload struct {
	SelectedDashboards     []string       `json:"selectedDashboards"`
	SelectedVisualizations []string       `json:"selectedVisualizations"`
	SelectedMaps           []string       `json:"selectedMaps"`
	MetadataSource         MetadataSource `json:"metadataSource"`
	TotalItems             int            `json:"totalItems"`
}

// MetadataUploadPayload carries the metadata bundle to import, either
// inline or via a scratch file.
type MetadataUploadPayload struct {
	Payload     map[string]interface{} `json:"payload,omitempty"`
	ScratchPath string                 `json:"scratchPath,omitempty"`
}

// DataDownloadPayload identifies the (dataItemConfig, period) pair to
// download, plus the runtime overrides from the originating request.
type DataDownloadPayload struct {
	DataItemConfigID string           `json:"dataItemConfigId"`
	PeriodID         string           `json:"periodId"`
	Overrides        RuntimeOverrides `json:"overrides"`
	IsDelete         bool             `json:"isDelete"`
}

// DataUploadPayload carries a produced data-value set for upload or
// deletion, either inline or via a scratch file.
type DataUploadPayload struct {
	ScratchPath string                 `json:"scratchPath,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	IsDelete    bool                   `json:"isDelete"`
}

// RuntimeOverrides lets a request pin identifiers the planner would
// otherwise derive from the DataItemConfig.
type RuntimeOverrides struct {
	OrgUnitLevelID string        `json:"orgUnitLevelId,omitempty"`
	ParentOrgUnit  string        `json:"parentOrgUnit,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	PageSize       int           `json:"pageSize,omitempty"`
	PaginateByData bool          `json:"paginateByData,omitempty"`
}

// Mapping is a single source/destination data-item correspondence. Either
// side may be a bare data-element id or a compound "dataElement.categoryOptionCombo".
type Mapping struct {
	SourceID      string `json:"sourceId" yaml:"sourceId"`
	DestinationID string `json:"destinationId" yaml:"destinationId"`
}

// AttributeOptionComboSelector configures attribute-option-combo fan-out.
type AttributeOptionComboSelector struct {
	AttributeID      string `json:"attributeId" yaml:"attributeId"`
	CategoryOptionID string `json:"categoryOptionId" yaml:"categoryOptionId"`
}

// DataItemConfig is one entry in a Configuration's ordered set of migration
// targets.
type DataItemConfig struct {
	ID                   string                        `json:"id" yaml:"id"`
	PeriodType           string                        `json:"periodType" yaml:"periodType"`
	ParentOrgUnit        string                        `json:"parentOrgUnit" yaml:"parentOrgUnit"`
	OrgUnitLevel         int                           `json:"orgUnitLevel" yaml:"orgUnitLevel"`
	Mappings             []Mapping                     `json:"mappings" yaml:"mappings"`
	AttributeOptionCombo *AttributeOptionComboSelector `json:"attributeOptionCombo,omitempty" yaml:"attributeOptionCombo,omitempty"`
}

// Configuration pairs a source and destination DHIS2-compatible instance
// with the data items to migrate between them.
type Configuration struct {
	ID              string           `json:"id" yaml:"id"`
	SourceBaseURL   string           `json:"sourceBaseUrl" yaml:"sourceBaseUrl"`
	SourceToken     string           `json:"sourceToken" yaml:"sourceToken"`
	SourceRouteID   string           `json:"sourceRouteId" yaml:"sourceRouteId"`
	DestBaseURL     string           `json:"destinationBaseUrl" yaml:"destinationBaseUrl"`
	DestToken       string           `json:"destinationToken" yaml:"destinationToken"`
	DataItemConfigs []DataItemConfig `json:"dataItemConfigs" yaml:"dataItemConfigs"`
}

// DataItemConfig looks up a DataItemConfig by id.
func (c *Configuration) DataItemConfig(id string) (DataItemConfig, bool) {
	for _, dic := range c.DataItemConfigs {
		if dic.ID == id {
			return dic, true
		}
	}
	return DataItemConfig{}, false
}

// DiscrepancyKind classifies a validation finding.
type DiscrepancyKind string

const (
	KindMissingInDestination DiscrepancyKind = "missing_in_destination"
	KindMissingInSource      DiscrepancyKind = "missing_in_source"
	KindValueMismatch        DiscrepancyKind = "value_mismatch"
	KindMetadataMismatch     DiscrepancyKind = "metadata_mismatch"
)

// Severity ranks a Discrepancy for operator triage.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
)

// Discrepancy is one row of the Validation Engine's diff output.
type Discrepancy struct {
	DataElement         string          `json:"dataElement"`
	OrgUnit             string          `json:"orgUnit"`
	Period              string          `json:"period"`
	CategoryOptionCombo string          `json:"categoryOptionCombo"`
	SourceValue         string          `json:"sourceValue,omitempty"`
	DestinationValue    string          `json:"destinationValue,omitempty"`
	Kind                DiscrepancyKind `json:"kind"`
	Severity            Severity        `json:"severity"`
}

// ScratchFile is the envelope persisted under outputs/{configId}/{uuid}.json.
type ScratchFile struct {
	DataValues []map[string]interface{} `json:"dataValues"`
}
