package models

import (
	"encoding/json"
	"time"
)

// Account is one cloud account as listed by the account directory
type Account struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Aliases       []string  `json:"aliases,omitempty"`
	LegacyAlias   []string  `json:"alias,omitempty"` // schema v1 listings
	SchemaVersion string    `json:"schemaVersion"`
	Services      []Service `json:"services,omitempty"`
}

// AllAliases returns the alias list for the account's schema version
func (a Account) AllAliases() []string {
	if a.SchemaVersion == "2" {
		return a.Aliases
	}
	if len(a.LegacyAlias) == 0 {
		return a.Aliases
	}
	return a.LegacyAlias
}

// Service is a service entry attached to a directory account
type Service struct {
	Name   string          `json:"name"`
	Status []ServiceStatus `json:"status,omitempty"`
}

// ServiceStatus records whether a service is enabled in a region
type ServiceStatus struct {
	Region  string `json:"region"`
	Enabled bool   `json:"enabled"`
}

// ServiceAccessRecord is one service-usage fact for an identity
type ServiceAccessRecord struct {
	ServiceName                string `json:"serviceName"`
	ServiceNamespace           string `json:"serviceNamespace"`
	LastAuthenticated          int64  `json:"lastAuthenticated"` // epoch ms, 0 = never
	LastAuthenticatedEntity    string `json:"lastAuthenticatedEntity,omitempty"`
	TotalAuthenticatedEntities int    `json:"totalAuthenticatedEntities"`
}

// RetrievalResult is the aggregated retriever output for one ARN
type RetrievalResult struct {
	ARN     string                `json:"arn"`
	Records []ServiceAccessRecord `json:"records"`
}

// AdvisorData is a stored service-usage record as returned by queries
type AdvisorData struct {
	ServiceAccessRecord
	LastUpdated time.Time `json:"lastUpdated"`
}

// CombinedUsage is the merged usage of one service namespace across ARNs
type CombinedUsage struct {
	AdvisorData
	UsedLast90Days bool `json:"USED_LAST_90_DAYS"`
}

// RoleQuery holds the filters for a stored advisor data lookup
type RoleQuery struct {
	Page    int      `json:"page"`
	Count   int      `json:"count"`
	Phrase  string   `json:"phrase,omitempty"`
	Regex   string   `json:"regex,omitempty"`
	ARNs    []string `json:"arn,omitempty"`
	Combine bool     `json:"combine,omitempty"`
}

// RoleDataPage is one page of stored advisor data keyed by ARN
type RoleDataPage struct {
	Page  int
	Total int
	Count int
	Items map[string][]AdvisorData
}

// MarshalJSON flattens the page so ARNs sit next to the paging keys.
func (p RoleDataPage) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(p.Items)+3)
	for arn, data := range p.Items {
		out[arn] = data
	}
	out["page"] = p.Page
	out["total"] = p.Total
	out["count"] = p.Count
	return json.Marshal(out)
}

// RunEvent describes a step of a retrieval run
type RunEvent struct {
	RunID   string    `json:"run_id"`
	Type    string    `json:"type"`
	Account string    `json:"account,omitempty"`
	ARN     string    `json:"arn,omitempty"`
	Error   string    `json:"error,omitempty"`
	Stats   *RunStats `json:"stats,omitempty"`
	Time    time.Time `json:"time"`
}

// RunStats holds counters for a retrieval run
type RunStats struct {
	Accounts  int64 `json:"accounts"`
	ARNs      int64 `json:"arns"`
	Retrieved int64 `json:"retrieved"`
	Failed    int64 `json:"failed"`
	Stored    int64 `json:"stored"`
}

// Event type constants
const (
	EventRunStarted      = "run_started"
	EventRunFinished     = "run_finished"
	EventRunCancelled    = "run_cancelled"
	EventAccountListed   = "account_listed"
	EventARNRetrieved    = "arn_retrieved"
	EventARNFailed       = "arn_failed"
	EventResultStored    = "result_stored"
	EventResultNotStored = "result_not_stored"
)
