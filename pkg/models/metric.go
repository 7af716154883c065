package models

import (
	"math"
	"time"
)

// Metric identifies one of the utilization signals tracked per cycle
type Metric string

const (
	MetricCPU     Metric = "cpu_usage"
	MetricMemory  Metric = "memory_usage"
	MetricNetwork Metric = "network_usage"
)

// MetricSample is a point-in-time utilization reading, all values in percent (0-100).
// Samples are never modified after they are recorded.
type MetricSample struct {
	CPUUsage     float64   `json:"cpu_usage"`
	MemoryUsage  float64   `json:"memory_usage"`
	NetworkUsage float64   `json:"network_usage"`
	Timestamp    time.Time `json:"timestamp"`
}

// Value returns the reading for the given metric
func (s MetricSample) Value(m Metric) float64 {
	switch m {
	case MetricCPU:
		return s.CPUUsage
	case MetricMemory:
		return s.MemoryUsage
	case MetricNetwork:
		return s.NetworkUsage
	}
	return 0
}

// Validate checks that every reading is a finite percentage
func (s MetricSample) Validate() error {
	for _, m := range []Metric{MetricCPU, MetricMemory, MetricNetwork} {
		v := s.Value(m)
		if math.IsNaN(v) || v < 0 || v > 100 {
			return &ValidationError{Field: string(m), Reason: "must be a percentage between 0 and 100"}
		}
	}
	return nil
}

// ForecastSeries holds one predicted value per future step, in percent
type ForecastSeries []float64
