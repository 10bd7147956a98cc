package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultProbeTimeout = 4 * time.Second

var (
	// ErrInvalidConfig indicates a Monitor cannot be constructed.
	ErrInvalidConfig = errors.New("invalid connectivity config")

	errReachable = errors.New("endpoint reachable")
)

// Probe is one low-cost reachability test against an external endpoint.
type Probe interface {
	Name() string
	Probe(ctx context.Context) error
}

// InterfaceChecker reports whether the host has any usable network interface.
type InterfaceChecker interface {
	Online() (bool, error)
}

// InterfaceCheckerFunc adapts a function to InterfaceChecker.
type InterfaceCheckerFunc func() (bool, error)

func (checker InterfaceCheckerFunc) Online() (bool, error) {
	return checker()
}

// Config wires a Monitor.
type Config struct {
	Interfaces   InterfaceChecker
	Probes       []Probe
	ProbeTimeout time.Duration
	Logger       *zap.Logger
	Clock        func() time.Time
}

// Monitor decides whether the remote store can be reached.
//
// A check short-circuits to offline when no interface is up. Otherwise all probes run in
// parallel, each with its own timeout, and the host counts as online when at least one
// succeeds. Without probes the host never counts as online. A check never retries; callers re-run it on a timer or on a trigger.
type Monitor struct {
	interfaces   InterfaceChecker
	probes       []Probe
	probeTimeout time.Duration
	logger       *zap.Logger
	clock        func() time.Time

	mu          sync.RWMutex
	online      bool
	testing     bool
	lastChecked time.Time
}

// NewMonitor validates the config and returns a Monitor that starts offline.
func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.Interfaces == nil {
		return nil, fmt.Errorf("%w: interface checker is nil", ErrInvalidConfig)
	}
	for index, probe := range cfg.Probes {
		if probe == nil {
			return nil, fmt.Errorf("%w: probe %d is nil", ErrInvalidConfig, index)
		}
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Monitor{
		interfaces:   cfg.Interfaces,
		probes:       append([]Probe{}, cfg.Probes...),
		probeTimeout: cfg.ProbeTimeout,
		logger:       cfg.Logger,
		clock:        cfg.Clock,
	}, nil
}

// Check runs one connectivity check and records the result.
func (monitor *Monitor) Check(ctx context.Context) bool {
	monitor.setTesting(true)
	online := monitor.check(ctx)

	monitor.mu.Lock()
	changed := monitor.online != online
	monitor.online = online
	monitor.testing = false
	monitor.lastChecked = monitor.clock()
	monitor.mu.Unlock()

	if changed {
		monitor.logger.Info("connectivity changed", zap.Bool("online", online))
	}
	return online
}

// Status returns the result of the last check.
func (monitor *Monitor) Status() bool {
	monitor.mu.RLock()
	defer monitor.mu.RUnlock()
	return monitor.online
}

// Testing reports whether a check is in flight.
func (monitor *Monitor) Testing() bool {
	monitor.mu.RLock()
	defer monitor.mu.RUnlock()
	return monitor.testing
}

// LastChecked returns when the last check finished.
func (monitor *Monitor) LastChecked() time.Time {
	monitor.mu.RLock()
	defer monitor.mu.RUnlock()
	return monitor.lastChecked
}

func (monitor *Monitor) setTesting(testing bool) {
	monitor.mu.Lock()
	monitor.testing = testing
	monitor.mu.Unlock()
}

func (monitor *Monitor) check(ctx context.Context) bool {
	up, err := monitor.interfaces.Online()
	if err != nil {
		monitor.logger.Warn("interface check failed", zap.Error(err))
		return false
	}
	if !up {
		monitor.logger.Debug("no network interface is up")
		return false
	}
	if len(monitor.probes) == 0 {
		monitor.logger.Debug("no connectivity probe configured")
		return false
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, probe := range monitor.probes {
		group.Go(func() error {
			probeCtx, cancel := context.WithTimeout(groupCtx, monitor.probeTimeout)
			defer cancel()
			if err := probe.Probe(probeCtx); err != nil {
				monitor.logger.Debug("probe failed", zap.String("probe", probe.Name()), zap.Error(err))
				return nil
			}
			return errReachable
		})
	}
	return errors.Is(group.Wait(), errReachable)
}

// SystemInterfaces inspects the host's network interfaces.
type SystemInterfaces struct{}

// Online reports true when a non-loopback interface is up and has an address.
func (SystemInterfaces) Online() (bool, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return false, err
	}
	for _, networkInterface := range interfaces {
		if networkInterface.Flags&net.FlagUp == 0 || networkInterface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addresses, err := networkInterface.Addrs()
		if err != nil {
			continue
		}
		if len(addresses) > 0 {
			return true, nil
		}
	}
	return false, nil
}
