package fabric

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stubService is a minimal Service for supervisor tests.
type stubService struct {
	BaseService

	startErr error
	stopErr  error
	started  int
	stopped  int
	score    float64
}

func newStubService(name string) *stubService {
	return &stubService{
		BaseService: NewBaseService(name, "1.0.0", "stub"),
		score:       1.0,
	}
}

func (s *stubService) Start(ctx context.Context) error {
	s.started++
	return s.startErr
}

func (s *stubService) Stop(ctx context.Context) error {
	s.stopped++
	return s.stopErr
}

func (s *stubService) HealthCheck(ctx context.Context) HealthCheck {
	return HealthCheck{ServiceName: s.Name(), Healthy: s.score > 0.5, Score: s.score, Timestamp: time.Now()}
}

func TestRegisterDuplicateFails(t *testing.T) {
	m := NewServiceManager(0)

	require.NoError(t, m.RegisterService(newStubService("alpha")))

	err := m.RegisterService(newStubService("alpha"))
	require.Error(t, err)

	var svcErr *ServiceError
	require.True(t, errors.As(err, &svcErr))
}

func TestUnregisterThenRegisterSucceeds(t *testing.T) {
	m := NewServiceManager(0)
	ctx := context.Background()

	require.NoError(t, m.RegisterService(newStubService("alpha")))
	require.NoError(t, m.UnregisterService(ctx, "alpha"))
	require.NoError(t, m.RegisterService(newStubService("alpha")))
}

func TestStartStopLifecycle(t *testing.T) {
	m := NewServiceManager(0)
	ctx := context.Background()
	svc := newStubService("alpha")

	require.NoError(t, m.RegisterService(svc))
	require.NoError(t, m.StartService(ctx, "alpha"))
	require.Equal(t, StateRunning, svc.State())

	// Starting a running service fails.
	require.Error(t, m.StartService(ctx, "alpha"))

	require.NoError(t, m.StopService(ctx, "alpha"))
	require.Equal(t, StateStopped, svc.State())

	// Stopping a stopped service fails.
	require.Error(t, m.StopService(ctx, "alpha"))
}

func TestStopThenStartKeepsStats(t *testing.T) {
	m := NewServiceManager(0)
	ctx := context.Background()
	svc := newStubService("alpha")

	require.NoError(t, m.RegisterService(svc))
	require.NoError(t, m.StartService(ctx, "alpha"))

	svc.RecordSuccess()
	svc.RecordSuccess()
	svc.RecordError(errors.New("boom"))

	require.NoError(t, m.StopService(ctx, "alpha"))
	require.NoError(t, m.StartService(ctx, "alpha"))
	require.Equal(t, StateRunning, svc.State())

	info := svc.Info()
	require.Equal(t, uint64(2), info.SuccessCount)
	require.Equal(t, uint64(1), info.ErrorCount)
}

func TestStartErrorLeavesErrorState(t *testing.T) {
	m := NewServiceManager(0)
	ctx := context.Background()

	svc := newStubService("alpha")
	svc.startErr = errors.New("bind failed")

	require.NoError(t, m.RegisterService(svc))

	err := m.StartService(ctx, "alpha")
	require.Error(t, err)
	require.Equal(t, StateError, svc.State())

	var svcErr *ServiceError
	require.True(t, errors.As(err, &svcErr))
	require.ErrorIs(t, err, svc.startErr)
}

func TestHealthScoreAdjustmentAndClamp(t *testing.T) {
	svc := newStubService("alpha")
	require.InDelta(t, 1.0, svc.HealthScore(), 1e-9)

	// Clamped at 1 on success.
	svc.RecordSuccess()
	require.InDelta(t, 1.0, svc.HealthScore(), 1e-9)

	for i := 0; i < 15; i++ {
		svc.RecordError(errors.New("x"))
	}

	// Clamped at 0 after repeated errors.
	require.InDelta(t, 0.0, svc.HealthScore(), 1e-9)

	svc.RecordSuccess()
	require.InDelta(t, 0.1, svc.HealthScore(), 1e-9)
}

func TestCircuitBreakerScenario(t *testing.T) {
	// End-to-end scenario: threshold 3. After three errors the breaker is
	// open and the wrapped function is not invoked. After the timeout the
	// breaker closes and calls flow again with the counter reset.
	svc := newStubService("alpha")
	svc.SetCircuitBreaker(3, 100*time.Millisecond)

	for i := 0; i < 3; i++ {
		svc.RecordError(errors.New("failure"))
	}

	invoked := false
	err := svc.CallWithCircuitBreaker(func() error {
		invoked = true
		return nil
	})

	require.Error(t, err)
	require.False(t, invoked)
	require.Contains(t, err.Error(), "circuit breaker open")

	time.Sleep(110 * time.Millisecond)

	err = svc.CallWithCircuitBreaker(func() error {
		invoked = true
		return nil
	})

	require.NoError(t, err)
	require.True(t, invoked)

	svc.mu.Lock()
	require.Equal(t, 0, svc.breakerFailures)
	require.False(t, svc.breakerOpen)
	svc.mu.Unlock()
}

func TestCallWithCircuitBreakerRecordsOutcomes(t *testing.T) {
	svc := newStubService("alpha")

	require.NoError(t, svc.CallWithCircuitBreaker(func() error { return nil }))
	require.Equal(t, uint64(1), svc.Info().SuccessCount)

	callErr := errors.New("downstream")
	err := svc.CallWithCircuitBreaker(func() error { return callErr })
	require.ErrorIs(t, err, callErr)
	require.Equal(t, uint64(1), svc.Info().ErrorCount)
}

func TestHealthMonitorReplacesScore(t *testing.T) {
	m := NewServiceManager(30 * time.Millisecond)
	ctx := context.Background()

	svc := newStubService("alpha")
	svc.score = 0.3

	require.NoError(t, m.RegisterService(svc))
	require.NoError(t, m.StartService(ctx, "alpha"))

	defer m.StopService(ctx, "alpha")

	require.Eventually(t, func() bool {
		return svc.HealthScore() < 0.5
	}, time.Second, 10*time.Millisecond)
}

func TestGetHealthyServices(t *testing.T) {
	m := NewServiceManager(0)

	healthy := newStubService("healthy")
	sick := newStubService("sick")
	sick.setHealthScore(0.2)

	require.NoError(t, m.RegisterService(healthy))
	require.NoError(t, m.RegisterService(sick))

	list := m.GetHealthyServices()
	require.Len(t, list, 1)
	require.Equal(t, "healthy", list[0].Name)
}

func TestShutdownStopsRunningServices(t *testing.T) {
	m := NewServiceManager(0)
	ctx := context.Background()

	alpha := newStubService("alpha")
	beta := newStubService("beta")
	beta.stopErr = errors.New("stuck")

	require.NoError(t, m.RegisterService(alpha))
	require.NoError(t, m.RegisterService(beta))
	require.NoError(t, m.StartService(ctx, "alpha"))
	require.NoError(t, m.StartService(ctx, "beta"))

	// Shutdown swallows beta's failure and still stops alpha.
	m.Shutdown(ctx)
	require.Equal(t, StateStopped, alpha.State())
	require.Equal(t, 1, alpha.stopped)
	require.Equal(t, 1, beta.stopped)
}

func TestDependencies(t *testing.T) {
	m := NewServiceManager(0)

	svc := newStubService("alpha")
	svc.AddDependency("storage_service")
	svc.AddDependency("storage_service")
	svc.AddDependency("tracker_service")

	require.NoError(t, m.RegisterService(svc))
	require.Equal(t, []string{"storage_service", "tracker_service"}, m.GetServiceDependencies("alpha"))
}
