package cloud

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opscart/capacity-optimizer/pkg/models"
)

// SimulatedActuator is an in-memory provider for running without cloud
// credentials. It honours idempotency keys and supports failure injection.
type SimulatedActuator struct {
	mu        sync.Mutex
	instances map[string]*models.InstanceRecord
	launched  map[string]string // idempotency key -> instance ID
	seq       int
	now       func() time.Time
	log       zerolog.Logger

	launchFailures    []error
	terminateFailures []error
	listErr           error
	calls             map[models.OperationKind]int
}

// NewSimulatedActuator creates a provider pre-populated with initial running instances
func NewSimulatedActuator(instanceType string, initial int) *SimulatedActuator {
	s := &SimulatedActuator{
		instances: make(map[string]*models.InstanceRecord),
		launched:  make(map[string]string),
		now:       time.Now,
		log:       log.With().Str("component", "simulated-actuator").Logger(),
		calls:     make(map[models.OperationKind]int),
	}

	base := s.now().Add(-time.Hour)
	for i := 0; i < initial; i++ {
		s.seq++
		id := fmt.Sprintf("sim-instance-%d", s.seq)
		s.instances[id] = &models.InstanceRecord{
			ID:         id,
			Type:       instanceType,
			State:      models.InstanceRunning,
			LaunchTime: base.Add(time.Duration(i) * time.Minute),
		}
	}
	return s
}

func (s *SimulatedActuator) Name() string {
	return "simulated"
}

// FailLaunches makes the next len(errs) launch calls fail with errs, in order
func (s *SimulatedActuator) FailLaunches(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launchFailures = append(s.launchFailures, errs...)
}

// FailTerminates makes the next len(errs) terminate calls fail with errs, in order
func (s *SimulatedActuator) FailTerminates(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminateFailures = append(s.terminateFailures, errs...)
}

// SetListError makes ListInstances fail until cleared with nil
func (s *SimulatedActuator) SetListError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr = err
}

// Calls returns how many times an operation was invoked, retries included
func (s *SimulatedActuator) Calls(kind models.OperationKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[kind]
}

// ListInstances returns every instance not yet terminated, oldest first
func (s *SimulatedActuator) ListInstances(ctx context.Context) ([]models.InstanceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, &models.TransientCloudError{Op: "ListInstances", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listErr != nil {
		return nil, s.listErr
	}

	records := make([]models.InstanceRecord, 0, len(s.instances))
	for _, inst := range s.instances {
		if inst.State != models.InstanceTerminated {
			records = append(records, *inst)
		}
	}
	models.SortOldestFirst(records)
	return records, nil
}

// Launch starts a running instance. A repeated key returns the original instance.
func (s *SimulatedActuator) Launch(ctx context.Context, instanceType, idempotencyKey string) (models.InstanceRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.InstanceRecord{}, &models.TransientCloudError{Op: "Launch", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[models.OperationLaunch]++
	if len(s.launchFailures) > 0 {
		err := s.launchFailures[0]
		s.launchFailures = s.launchFailures[1:]
		return models.InstanceRecord{}, err
	}

	if id, ok := s.launched[idempotencyKey]; ok {
		return *s.instances[id], nil
	}

	s.seq++
	record := &models.InstanceRecord{
		ID:         fmt.Sprintf("sim-instance-%d", s.seq),
		Type:       instanceType,
		State:      models.InstanceRunning,
		LaunchTime: s.now(),
	}
	s.instances[record.ID] = record
	s.launched[idempotencyKey] = record.ID

	s.log.Debug().Str("instance_id", record.ID).Str("type", instanceType).Msg("Launched instance")
	return *record, nil
}

// Terminate marks an instance terminated. Unknown or already terminated
// instances are not an error, so retries are harmless.
func (s *SimulatedActuator) Terminate(ctx context.Context, instanceID, idempotencyKey string) error {
	if err := ctx.Err(); err != nil {
		return &models.TransientCloudError{Op: "Terminate", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[models.OperationTerminate]++
	if len(s.terminateFailures) > 0 {
		err := s.terminateFailures[0]
		s.terminateFailures = s.terminateFailures[1:]
		return err
	}

	if inst, ok := s.instances[instanceID]; ok {
		inst.State = models.InstanceTerminated
		s.log.Debug().Str("instance_id", instanceID).Msg("Terminated instance")
	}
	return nil
}
