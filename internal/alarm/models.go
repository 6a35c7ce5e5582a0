// Package alarm implements the NAS alarm subsystem: a rolling metric history,
// the sustained-threshold evaluator, the in-memory alarm store with
// write-through persistence, the detector that turns metric samples into
// deduplicated alarm records, and the scheduler that drives it.
package alarm

import (
	"encoding/json"
	"time"
)

// Type is the top-level category of an alarm configuration or record.
type Type string

const (
	TypeSystem  Type = "system"
	TypeNetwork Type = "network"
	TypeDocker  Type = "docker"
)

// Well-known sub types evaluated by the Detector. Configurations may carry
// any other sub type; those are stored but never triggered.
const (
	SubTypeCPUHigh         = "cpu_high"
	SubTypeMemoryLow       = "memory_low"
	SubTypeDiskLow         = "disk_low"
	SubTypeContainerExited = "container_exited"
	SubTypeExternalIP      = "external_ip"
)

// Severity is the operator-facing urgency of an alarm.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Status is the processing state of an AlarmRecord.
type Status string

const (
	StatusUnprocessed Status = "unprocessed"
	StatusProcessed   Status = "processed"
	StatusIgnored     Status = "ignored"
)

// Valid reports whether t is one of the known alarm types.
func (t Type) Valid() bool {
	switch t {
	case TypeSystem, TypeNetwork, TypeDocker:
		return true
	}
	return false
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// Valid reports whether s is one of the known record statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusUnprocessed, StatusProcessed, StatusIgnored:
		return true
	}
	return false
}

// Config is a user-defined alarm rule.
//
// Duration is the minimum sustained-violation window in seconds; zero means a
// single over-threshold sample is enough. PushMethods is stored verbatim and
// not interpreted by the subsystem.
type Config struct {
	ID          string    `json:"id"`
	AlarmType   Type      `json:"alarm_type"`
	SubType     string    `json:"sub_type"`
	Enabled     bool      `json:"enabled"`
	Threshold   float64   `json:"threshold"`
	Duration    int       `json:"duration"`
	Severity    Severity  `json:"severity"`
	PushMethods []string  `json:"push_methods"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Record is one materialised alarm produced by the Detector.
//
// Details carries a free-form JSON object, usually the metric snapshot that
// caused the alarm. ProcessedAt and ProcessedBy stay nil until an operator
// changes the status.
type Record struct {
	ID          string          `json:"id"`
	AlarmType   Type            `json:"alarm_type"`
	SubType     string          `json:"sub_type"`
	Severity    Severity        `json:"severity"`
	Message     string          `json:"message"`
	Details     json.RawMessage `json:"details"`
	Timestamp   time.Time       `json:"timestamp"`
	Status      Status          `json:"status"`
	ProcessedAt *time.Time      `json:"processed_at"`
	ProcessedBy *string         `json:"processed_by"`
}

// AccessIP tracks requests and reputation for one source address.
type AccessIP struct {
	ID            string    `json:"id"`
	IPAddress     string    `json:"ip_address"`
	Country       string    `json:"country"`
	Region        string    `json:"region"`
	City          string    `json:"city"`
	IsBlacklisted bool      `json:"is_blacklisted"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	TotalRequests int64     `json:"total_requests"`
}

// Stats is the aggregate view served by the statistics endpoint.
type Stats struct {
	Total      int            `json:"total"`
	BySeverity map[string]int `json:"by_severity"`
	ByType     map[string]int `json:"by_type"`
	Recent     int            `json:"recent"`
}

// ConfigPatch lists the mutable fields of a Config. Nil fields are left
// untouched by Store.UpdateConfig.
type ConfigPatch struct {
	Enabled     *bool     `json:"enabled,omitempty"`
	Threshold   *float64  `json:"threshold,omitempty"`
	Duration    *int      `json:"duration,omitempty"`
	Severity    *Severity `json:"severity,omitempty"`
	PushMethods *[]string `json:"push_methods,omitempty"`
}

// RecordPatch lists the mutable fields of a Record. Nil fields are left
// untouched by Store.UpdateRecord.
type RecordPatch struct {
	Status      *Status
	ProcessedAt *time.Time
	ProcessedBy *string
}

// apply merges the non-nil fields of p into c.
func (p ConfigPatch) apply(c *Config) {
	if p.Enabled != nil {
		c.Enabled = *p.Enabled
	}
	if p.Threshold != nil {
		c.Threshold = *p.Threshold
	}
	if p.Duration != nil {
		c.Duration = *p.Duration
	}
	if p.Severity != nil {
		c.Severity = *p.Severity
	}
	if p.PushMethods != nil {
		c.PushMethods = append([]string(nil), (*p.PushMethods)...)
	}
}

// Validate checks the enumerated fields that are present in p.
func (p ConfigPatch) Validate() error {
	if p.Severity != nil && !p.Severity.Valid() {
		return &ValidationError{Field: "severity", Reason: "must be one of info, warning, critical"}
	}
	if p.Duration != nil && *p.Duration < 0 {
		return &ValidationError{Field: "duration", Reason: "must be >= 0"}
	}
	return nil
}

func (p RecordPatch) apply(r *Record) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.ProcessedAt != nil {
		t := *p.ProcessedAt
		r.ProcessedAt = &t
	}
	if p.ProcessedBy != nil {
		s := *p.ProcessedBy
		r.ProcessedBy = &s
	}
}

// Validate checks a full Config before it is stored.
func (c *Config) Validate() error {
	if !c.AlarmType.Valid() {
		return &ValidationError{Field: "alarm_type", Reason: "must be one of system, network, docker"}
	}
	if c.SubType == "" {
		return &ValidationError{Field: "sub_type", Reason: "is required"}
	}
	if !c.Severity.Valid() {
		return &ValidationError{Field: "severity", Reason: "must be one of info, warning, critical"}
	}
	if c.Duration < 0 {
		return &ValidationError{Field: "duration", Reason: "must be >= 0"}
	}
	return nil
}

func (c Config) clone() Config {
	c.PushMethods = append([]string{}, c.PushMethods...)
	return c
}

func (r Record) clone() Record {
	if r.Details != nil {
		r.Details = append(json.RawMessage(nil), r.Details...)
	}
	if r.ProcessedAt != nil {
		t := *r.ProcessedAt
		r.ProcessedAt = &t
	}
	if r.ProcessedBy != nil {
		s := *r.ProcessedBy
		r.ProcessedBy = &s
	}
	return r
}
