package models

import "time"

// Action is the scaling decision of a recommendation
type Action string

const (
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
	ActionMaintain  Action = "maintain"
)

// HourlyRate is the on-demand price of one instance for one hour, in USD
type HourlyRate float64

// RateTable maps instance types to their hourly rate
type RateTable map[string]HourlyRate

// CostEstimate represents the projected spend for an instance count
type CostEstimate struct {
	Hourly  float64 `json:"hourly"`
	Daily   float64 `json:"daily"`
	Monthly float64 `json:"monthly"`
}

// Recommendation is the output of one optimization cycle. It is a value:
// once created it is only ever superseded by the next cycle's recommendation.
type Recommendation struct {
	ID           string `json:"id"`
	Action       Action `json:"action"`
	InstanceType string `json:"instance_type"`

	CurrentInstances     int `json:"current_instances"`
	RecommendedInstances int `json:"recommended_instances"`

	PredictedCPU    float64 `json:"predicted_cpu"`
	PredictedMemory float64 `json:"predicted_memory"`

	Reason        string       `json:"reason"`
	EstimatedCost CostEstimate `json:"estimated_cost"`

	CreatedAt time.Time `json:"created_at"`
}

// Delta is the change in instance count the recommendation asks for
func (r Recommendation) Delta() int {
	return r.RecommendedInstances - r.CurrentInstances
}

// AuditEntry represents an action taken
type AuditEntry struct {
	ID               string
	RecommendationID string
	Action           string // APPLIED, SKIPPED
	Status           string // SUCCESS, PARTIAL, FAILED
	ErrorMessage     string
	ExecutedBy       string
	ExecutedAt       time.Time
}
