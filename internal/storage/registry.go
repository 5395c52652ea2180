package storage

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry maps logical service names to configured backends. Multiple
// backends of any kind may coexist (e.g. "local" next to "s3-prod").
//
// All adapters are constructed eagerly: a bad entry fails registry
// construction, never a later lookup.
type Registry struct {
	mu          sync.RWMutex
	services    map[string]Service
	defaultName string
}

// NewRegistry builds every configured backend. defaultName selects the
// backend used when callers don't name one; it may be empty when
// exactly one backend is configured.
func NewRegistry(configs []BackendConfig, defaultName string) (*Registry, error) {
	services, defaultName, err := buildServices(configs, defaultName)
	if err != nil {
		return nil, err
	}
	return &Registry{services: services, defaultName: defaultName}, nil
}

// NewStaticRegistry wraps pre-built services, for callers that supply
// their own adapter implementations instead of config maps.
func NewStaticRegistry(defaultName string, services ...Service) (*Registry, error) {
	m := make(map[string]Service, len(services))
	for _, svc := range services {
		if _, dup := m[svc.Name()]; dup {
			return nil, &ConfigError{Field: "name", Reason: fmt.Sprintf("duplicate backend %q", svc.Name())}
		}
		m[svc.Name()] = svc
	}
	if _, ok := m[defaultName]; !ok {
		return nil, &ConfigError{Field: "default_service", Reason: fmt.Sprintf("no backend named %q", defaultName)}
	}
	return &Registry{services: m, defaultName: defaultName}, nil
}

func buildServices(configs []BackendConfig, defaultName string) (map[string]Service, string, error) {
	if len(configs) == 0 {
		return nil, "", &ConfigError{Field: "backends", Reason: "at least one backend required"}
	}

	services := make(map[string]Service, len(configs))
	for i := range configs {
		cfg := &configs[i]
		if err := cfg.Validate(); err != nil {
			return nil, "", err
		}
		if _, dup := services[cfg.Name]; dup {
			return nil, "", &ConfigError{Field: "name", Reason: fmt.Sprintf("duplicate backend %q", cfg.Name)}
		}

		svc, err := buildService(cfg)
		if err != nil {
			return nil, "", fmt.Errorf("backend %q: %w", cfg.Name, err)
		}
		services[cfg.Name] = svc
		slog.Debug("storage backend registered", "name", cfg.Name, "kind", cfg.Kind)
	}

	if defaultName == "" {
		if len(configs) == 1 {
			defaultName = configs[0].Name
		} else {
			return nil, "", &ConfigError{Field: "default_service", Reason: "required with multiple backends"}
		}
	}
	if _, ok := services[defaultName]; !ok {
		return nil, "", &ConfigError{Field: "default_service", Reason: fmt.Sprintf("no backend named %q", defaultName)}
	}

	return services, defaultName, nil
}

func buildService(cfg *BackendConfig) (Service, error) {
	switch cfg.Kind {
	case KindLocal:
		var local LocalConfig
		if err := decodeConfig(cfg.Config, &local); err != nil {
			return nil, err
		}
		return NewLocalService(cfg.Name, &local)
	case KindS3:
		var s3cfg S3Config
		if err := decodeConfig(cfg.Config, &s3cfg); err != nil {
			return nil, err
		}
		return NewS3Service(cfg.Name, &s3cfg)
	default:
		return nil, &ConfigError{Field: "kind", Reason: fmt.Sprintf("unsupported kind %q", cfg.Kind)}
	}
}

// Get returns the backend registered under name.
func (r *Registry) Get(name string) (Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	return svc, nil
}

// Default returns the configured default backend.
func (r *Registry) Default() Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.services[r.defaultName]
}

// DefaultName returns the name of the default backend.
func (r *Registry) DefaultName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// Names returns the sorted names of all registered backends.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reload builds a complete replacement service set and swaps it in
// atomically. On any error the current set stays untouched.
func (r *Registry) Reload(configs []BackendConfig, defaultName string) error {
	services, defaultName, err := buildServices(configs, defaultName)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.services = services
	r.defaultName = defaultName
	r.mu.Unlock()

	slog.Info("storage registry reloaded", "backends", len(services), "default", defaultName)
	return nil
}
