package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/galenhealth/mortar/pkg/observability"
	"github.com/galenhealth/mortar/pkg/rbac"
)

// DashboardMapping is the role-to-dashboard routing table. It starts
// from the built-in defaults and can be overlaid from a YAML file,
// with hot reload while the service runs.
type DashboardMapping struct {
	path   string
	logger *observability.Logger

	mu    sync.RWMutex
	table map[rbac.RoleName]rbac.Dashboard
}

type dashboardFile struct {
	Dashboards map[string]string `yaml:"dashboards"`
}

// LoadDashboardMapping builds the routing table. An empty path keeps
// the built-in defaults with no file watching.
func LoadDashboardMapping(path string, logger *observability.Logger) (*DashboardMapping, error) {
	m := &DashboardMapping{
		path:   path,
		logger: logger.WithComponent("dashboard-mapping"),
		table:  rbac.DefaultDashboards(),
	}

	if path != "" {
		if err := m.reload(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Resolve returns the dashboard for a role, falling back to the
// default dashboard for unknown roles.
func (m *DashboardMapping) Resolve(role rbac.RoleName) rbac.Dashboard {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if d, ok := m.table[role]; ok {
		return d
	}
	return rbac.DashboardDefault
}

// Watch reloads the mapping whenever the file changes, until ctx is
// cancelled. It is a no-op when no file path was configured.
func (m *DashboardMapping) Watch(ctx context.Context) error {
	if m.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory: editors replace files rather than writing
	// in place, which drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", m.path, err)
	}

	go func() {
		defer watcher.Close()
		defer observability.RecoverPanic(m.logger, "dashboard-mapping-watch")

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(m.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := m.reload(); err != nil {
					m.logger.WithError(err).Warn("Dashboard mapping reload failed, keeping previous table")
					continue
				}
				m.logger.Info("Dashboard mapping reloaded")

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.WithError(err).Warn("Dashboard mapping watcher error")

			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

func (m *DashboardMapping) reload() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("failed to read dashboard mapping: %w", err)
	}

	var file dashboardFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse dashboard mapping: %w", err)
	}

	table := rbac.DefaultDashboards()
	for role, dashboard := range file.Dashboards {
		d := rbac.Dashboard(dashboard)
		if !knownDashboard(d) {
			m.logger.WithFields(map[string]interface{}{
				"role":      role,
				"dashboard": dashboard,
			}).Warn("Skipping unknown dashboard in mapping file")
			continue
		}
		table[rbac.RoleName(role)] = d
	}

	m.mu.Lock()
	m.table = table
	m.mu.Unlock()
	return nil
}

func knownDashboard(d rbac.Dashboard) bool {
	switch d {
	case rbac.DashboardOwner, rbac.DashboardClinical, rbac.DashboardCounter,
		rbac.DashboardProduction, rbac.DashboardDefault:
		return true
	}
	return false
}
