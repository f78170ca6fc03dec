package fabric

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ServiceManager supervises registered services: lifecycle transitions,
// per-service health monitoring, and shutdown ordering.
type ServiceManager struct {
	healthInterval time.Duration

	mu       sync.Mutex
	services map[string]Service
	monitors map[string]context.CancelFunc
}

// NewServiceManager builds a supervisor. A zero healthInterval selects the
// 30-second default.
func NewServiceManager(healthInterval time.Duration) *ServiceManager {
	if healthInterval <= 0 {
		healthInterval = DefaultHealthInterval
	}

	return &ServiceManager{
		healthInterval: healthInterval,
		services:       make(map[string]Service),
		monitors:       make(map[string]context.CancelFunc),
	}
}

// RegisterService adds a service. Registering a name twice fails.
func (m *ServiceManager) RegisterService(service Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := service.Name()
	if _, exists := m.services[name]; exists {
		return serviceErrorf(name, "already registered")
	}

	m.services[name] = service
	log.Infof("Registered service: %s", name)

	return nil
}

// UnregisterService stops a running service and removes it.
func (m *ServiceManager) UnregisterService(ctx context.Context, name string) error {
	m.mu.Lock()
	service, exists := m.services[name]
	m.mu.Unlock()

	if !exists {
		return serviceErrorf(name, "not registered")
	}

	if service.State() == StateRunning {
		if err := m.StopService(ctx, name); err != nil {
			return err
		}
	}

	m.mu.Lock()

	if cancel, ok := m.monitors[name]; ok {
		cancel()
		delete(m.monitors, name)
	}

	delete(m.services, name)
	m.mu.Unlock()

	log.Infof("Unregistered service: %s", name)

	return nil
}

// StartService transitions a stopped service through Starting to Running and
// launches its health monitor. A start error leaves the service in Error and
// surfaces as a ServiceError wrapping the cause.
func (m *ServiceManager) StartService(ctx context.Context, name string) error {
	m.mu.Lock()
	service, exists := m.services[name]
	m.mu.Unlock()

	if !exists {
		return serviceErrorf(name, "not registered")
	}

	if service.State() != StateStopped {
		return serviceErrorf(name, "not in stopped state (state: %s)", service.State())
	}

	service.setState(StateStarting)

	err := service.Start(ctx)
	if err != nil {
		service.setState(StateError)
		log.Errorf("Failed to start service %q: %v", name, err)

		return &ServiceError{Service: name, Detail: "start failed", Cause: err}
	}

	service.setState(StateRunning)

	monitorCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.monitors[name] = cancel
	m.mu.Unlock()

	go m.monitorHealth(monitorCtx, service)

	log.Infof("Started service: %s", name)

	return nil
}

// StopService transitions a running service through Stopping to Stopped and
// cancels its health monitor.
func (m *ServiceManager) StopService(ctx context.Context, name string) error {
	m.mu.Lock()
	service, exists := m.services[name]
	m.mu.Unlock()

	if !exists {
		return serviceErrorf(name, "not registered")
	}

	if service.State() != StateRunning {
		return serviceErrorf(name, "not running (state: %s)", service.State())
	}

	service.setState(StateStopping)

	err := service.Stop(ctx)
	if err != nil {
		service.setState(StateError)
		log.Errorf("Failed to stop service %q: %v", name, err)

		return &ServiceError{Service: name, Detail: "stop failed", Cause: err}
	}

	service.setState(StateStopped)

	m.mu.Lock()

	if cancel, ok := m.monitors[name]; ok {
		cancel()
		delete(m.monitors, name)
	}

	m.mu.Unlock()

	log.Infof("Stopped service: %s", name)

	return nil
}

// monitorHealth probes the service on the configured interval while it is
// Running. The probe's score replaces the health score directly; it shares
// the field with the rolling success/error adjustments, last writer wins.
func (m *ServiceManager) monitorHealth(ctx context.Context, service Service) {
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if service.State() != StateRunning {
				continue
			}

			check := service.HealthCheck(ctx)
			service.setHealthScore(check.Score)

			if !check.Healthy {
				log.Warnf("Health check failed for service %q: %s", service.Name(), check.Message)
			} else {
				log.Debugf("Health check passed for service %q (score %.2f)", service.Name(), check.Score)
			}

		case <-ctx.Done():
			return
		}
	}
}

// GetService returns a registered service, or nil.
func (m *ServiceManager) GetService(name string) Service {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.services[name]
}

// GetServiceInfo returns the summary for one service.
func (m *ServiceManager) GetServiceInfo(name string) (ServiceInfo, bool) {
	m.mu.Lock()
	service, exists := m.services[name]
	m.mu.Unlock()

	if !exists {
		return ServiceInfo{}, false
	}

	return service.Info(), true
}

// ListServices returns summaries for every registered service.
func (m *ServiceManager) ListServices() []ServiceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ServiceInfo, 0, len(m.services))
	for _, service := range m.services {
		out = append(out, service.Info())
	}

	return out
}

// GetHealthyServices returns summaries for services scoring above 0.5.
func (m *ServiceManager) GetHealthyServices() []ServiceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ServiceInfo

	for _, service := range m.services {
		info := service.Info()
		if info.HealthScore > healthyScoreFloor {
			out = append(out, info)
		}
	}

	return out
}

// GetServiceDependencies returns the dependency names for one service.
func (m *ServiceManager) GetServiceDependencies(name string) []string {
	info, ok := m.GetServiceInfo(name)
	if !ok {
		return nil
	}

	return info.Dependencies
}

// Shutdown stops every running service, logging per-service failures but
// never aborting the sweep.
func (m *ServiceManager) Shutdown(ctx context.Context) {
	log.Info("Shutting down service manager")

	m.mu.Lock()

	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}

	m.mu.Unlock()

	for _, name := range names {
		m.mu.Lock()
		service := m.services[name]
		m.mu.Unlock()

		if service == nil || service.State() != StateRunning {
			continue
		}

		if err := m.StopService(ctx, name); err != nil {
			log.Errorf("Error shutting down service %q: %v", name, err)
		}
	}

	log.Info("Service manager shutdown complete")
}
