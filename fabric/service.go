package fabric

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ServiceState is the lifecycle state of a managed service.
type ServiceState string

const (
	StateStopped  ServiceState = "stopped"
	StateStarting ServiceState = "starting"
	StateRunning  ServiceState = "running"
	StateStopping ServiceState = "stopping"
	StateError    ServiceState = "error"
	StateDegraded ServiceState = "degraded"
)

// ServiceError reports a service-supervision failure.
type ServiceError struct {
	Service string
	Detail  string
	Cause   error
}

func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("service %q: %s: %v", e.Service, e.Detail, e.Cause)
	}

	return fmt.Sprintf("service %q: %s", e.Service, e.Detail)
}

func (e *ServiceError) Unwrap() error {
	return e.Cause
}

func serviceErrorf(service, format string, args ...interface{}) *ServiceError {
	return &ServiceError{Service: service, Detail: fmt.Sprintf(format, args...)}
}

// HealthCheck is one health probe result.
type HealthCheck struct {
	ServiceName  string
	Healthy      bool
	Score        float64
	Message      string
	Timestamp    time.Time
	ResponseTime time.Duration
}

// ServiceInfo is the externally visible summary of a service.
type ServiceInfo struct {
	Name            string
	Version         string
	Description     string
	State           ServiceState
	HealthScore     float64
	LastHealthCheck time.Time
	ErrorCount      uint64
	SuccessCount    uint64
	Dependencies    []string
}

// Service is the contract every managed component implements.
type Service interface {
	Name() string
	Info() ServiceInfo
	State() ServiceState

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	HealthCheck(ctx context.Context) HealthCheck

	setState(state ServiceState)
	setHealthScore(score float64)
}

// Circuit breaker and health defaults.
const (
	DefaultHealthInterval          = 30 * time.Second
	DefaultCircuitBreakerThreshold = 5
	DefaultCircuitBreakerTimeout   = 60 * time.Second
	healthyScoreFloor              = 0.5
	scoreStep                      = 0.1
)

// BaseService carries the shared supervision state: health score, counters,
// and the circuit breaker. Concrete services embed it.
type BaseService struct {
	name        string
	version     string
	description string

	mu           sync.Mutex
	state        ServiceState
	healthScore  float64
	errorCount   uint64
	successCount uint64
	dependencies []string

	breakerThreshold   int
	breakerTimeout     time.Duration
	breakerFailures    int
	breakerLastFailure time.Time
	breakerOpen        bool
}

// NewBaseService builds the embedded supervision state.
func NewBaseService(name, version, description string) BaseService {
	return BaseService{
		name:             name,
		version:          version,
		description:      description,
		state:            StateStopped,
		healthScore:      1.0,
		breakerThreshold: DefaultCircuitBreakerThreshold,
		breakerTimeout:   DefaultCircuitBreakerTimeout,
	}
}

// Name returns the service name.
func (s *BaseService) Name() string { return s.name }

// State returns the current lifecycle state.
func (s *BaseService) State() ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *BaseService) setState(state ServiceState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = state
}

func (s *BaseService) setHealthScore(score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.healthScore = clampScore(score)
	serviceHealthScore.WithLabelValues(s.name).Set(s.healthScore)
}

// HealthScore returns the current health score in [0, 1].
func (s *BaseService) HealthScore() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.healthScore
}

// AddDependency records a dependency on another service by name.
func (s *BaseService) AddDependency(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, dep := range s.dependencies {
		if dep == name {
			return
		}
	}

	s.dependencies = append(s.dependencies, name)
}

// Info snapshots the externally visible service summary.
func (s *BaseService) Info() ServiceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	deps := make([]string, len(s.dependencies))
	copy(deps, s.dependencies)

	return ServiceInfo{
		Name:            s.name,
		Version:         s.version,
		Description:     s.description,
		State:           s.state,
		HealthScore:     s.healthScore,
		LastHealthCheck: time.Now(),
		ErrorCount:      s.errorCount,
		SuccessCount:    s.successCount,
		Dependencies:    deps,
	}
}

// IsHealthy reports whether the score is above 0.5 and the breaker closed.
func (s *BaseService) IsHealthy() bool {
	open := s.IsCircuitBreakerOpen()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.healthScore > healthyScoreFloor && !open
}

// RecordSuccess bumps the success counter and nudges the health score up by
// 0.1, clamped to 1.
func (s *BaseService) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.successCount++
	s.healthScore = clampScore(s.healthScore + scoreStep)
	serviceHealthScore.WithLabelValues(s.name).Set(s.healthScore)
}

// RecordError bumps the error counter, nudges the health score down by 0.1
// clamped to 0, and feeds the circuit breaker. The breaker opens once the
// failure count reaches the threshold.
func (s *BaseService) RecordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.errorCount++
	s.healthScore = clampScore(s.healthScore - scoreStep)
	serviceHealthScore.WithLabelValues(s.name).Set(s.healthScore)
	serviceErrors.WithLabelValues(s.name).Inc()

	s.breakerFailures++
	if s.breakerFailures >= s.breakerThreshold && !s.breakerOpen {
		s.breakerOpen = true
		s.breakerLastFailure = time.Now()

		log.Warnf("Circuit breaker opened for service %q after %d failures (last error: %v)",
			s.name, s.breakerFailures, err)
	} else if s.breakerOpen {
		s.breakerLastFailure = time.Now()
	}
}

// IsCircuitBreakerOpen reports the breaker state, closing it (and resetting
// the failure count) once the timeout has elapsed since the last failure.
func (s *BaseService) IsCircuitBreakerOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.breakerOpen {
		return false
	}

	if time.Since(s.breakerLastFailure) > s.breakerTimeout {
		s.breakerOpen = false
		s.breakerFailures = 0

		log.Infof("Circuit breaker closed for service %q", s.name)

		return false
	}

	return true
}

// SetCircuitBreaker overrides the breaker threshold and timeout.
func (s *BaseService) SetCircuitBreaker(threshold int, timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.breakerThreshold = threshold
	s.breakerTimeout = timeout
}

// CallWithCircuitBreaker guards fn behind the breaker. While open, the call
// fails immediately without invoking fn. Outcomes feed the success/error
// accounting.
func (s *BaseService) CallWithCircuitBreaker(fn func() error) error {
	if s.IsCircuitBreakerOpen() {
		return serviceErrorf(s.name, "circuit breaker open")
	}

	err := fn()
	if err != nil {
		s.RecordError(err)
		return err
	}

	s.RecordSuccess()

	return nil
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}

	if score > 1 {
		return 1
	}

	return score
}
