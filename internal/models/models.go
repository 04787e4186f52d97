package models

import "time"

type HostRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Address     string `json:"address"`
	Port        int    `json:"port,omitempty"`
	Description string `json:"description,omitempty"`
	Status      Status `json:"status,omitempty"`
}

type ContainerRecord struct {
	ContainerID string `json:"container_id"`
	HostID      string `json:"host_id"`
	Name        string `json:"name"`
	Image       string `json:"image"`
	Status      Status `json:"status"`
}

type StrategyKind string

const (
	KindHotPatch      StrategyKind = "hot-patch"
	KindRollingUpdate StrategyKind = "rolling-update"
	KindRestart       StrategyKind = "restart"
)

func (k StrategyKind) Valid() bool {
	switch k {
	case KindHotPatch, KindRollingUpdate, KindRestart:
		return true
	}
	return false
}

// Strategy is a remediation approach with a fixed per-container cost.
type Strategy struct {
	ID                               string       `json:"id" yaml:"id"`
	Name                             string       `json:"name" yaml:"name"`
	Description                      string       `json:"description" yaml:"description"`
	EstimatedTimePerContainerSeconds int          `json:"estimated_time_per_container_seconds" yaml:"estimated_time_per_container_seconds"`
	Kind                             StrategyKind `json:"kind" yaml:"kind"`
}

type DowntimeEstimate struct {
	Strategy               Strategy `json:"strategy"`
	AffectedContainerCount int      `json:"affected_container_count"`
	EstimatedTotalSeconds  int      `json:"estimated_total_seconds"`
}

// RemediationTarget is one selected vulnerability row.
type RemediationTarget struct {
	VulnerabilityID string `json:"vulnerability_id"`
	ScanID          string `json:"scan_id"`
	ContainerID     string `json:"container_id"`
}

type RemediationRequest struct {
	ScanID          string `json:"scan_id"`
	VulnerabilityID string `json:"vulnerability_id,omitempty"`
	Strategy        string `json:"strategy"`
}

type ApplyResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type AttemptOutcome string

const (
	OutcomeApplied AttemptOutcome = "applied"
	OutcomeFailed  AttemptOutcome = "failed"
)

type RemediationAttempt struct {
	ID                 string         `json:"id"`
	ScanID             string         `json:"scan_id"`
	VulnerabilityID    string         `json:"vulnerability_id,omitempty"`
	StrategyID         string         `json:"strategy"`
	AffectedContainers int            `json:"affected_containers"`
	EstimatedSeconds   int            `json:"estimated_seconds"`
	Outcome            AttemptOutcome `json:"outcome"`
	Message            string         `json:"message"`
	StartedAt          time.Time      `json:"started_at"`
	FinishedAt         time.Time      `json:"finished_at"`
}

type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeSuccess NoticeLevel = "success"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

type Notice struct {
	Level   NoticeLevel `json:"level"`
	Message string      `json:"message"`
	At      time.Time   `json:"at"`
}
