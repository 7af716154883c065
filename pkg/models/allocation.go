package models

import (
	"sort"
	"time"
)

// InstanceState is the lifecycle state of a cloud instance
type InstanceState string

const (
	InstancePending     InstanceState = "pending"
	InstanceRunning     InstanceState = "running"
	InstanceTerminating InstanceState = "terminating"
	InstanceTerminated  InstanceState = "terminated"
)

// IsActive reports whether the instance is serving or about to serve load
func (s InstanceState) IsActive() bool {
	return s == InstancePending || s == InstanceRunning
}

// InstanceRecord describes one instance as observed at the provider
type InstanceRecord struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	State      InstanceState `json:"state"`
	LaunchTime time.Time     `json:"launch_time"`
}

// AllocationState is the set of instances backing the workload.
// Instances is the source of truth for what exists; DesiredCount is the
// last committed target and only matches len(Active()) after convergence.
type AllocationState struct {
	InstanceType string           `json:"instance_type"`
	DesiredCount int              `json:"desired_count"`
	Instances    []InstanceRecord `json:"instances"`
}

// Active returns pending and running instances
func (a AllocationState) Active() []InstanceRecord {
	return a.filter(func(r InstanceRecord) bool { return r.State.IsActive() })
}

// Running returns instances in the running state
func (a AllocationState) Running() []InstanceRecord {
	return a.filter(func(r InstanceRecord) bool { return r.State == InstanceRunning })
}

// Clone returns a deep copy so callers can't alias the instance slice
func (a AllocationState) Clone() AllocationState {
	out := a
	out.Instances = append([]InstanceRecord(nil), a.Instances...)
	return out
}

func (a AllocationState) filter(keep func(InstanceRecord) bool) []InstanceRecord {
	var out []InstanceRecord
	for _, r := range a.Instances {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// SortOldestFirst orders records by launch time, breaking ties by ID
func SortOldestFirst(records []InstanceRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].LaunchTime.Equal(records[j].LaunchTime) {
			return records[i].LaunchTime.Before(records[j].LaunchTime)
		}
		return records[i].ID < records[j].ID
	})
}
