package authz

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/praxislabs/identity-core/pkg/observability"
)

// RoleTable maps role names to ordered permission lists. It carries the
// built-in defaults plus optional per-organization overrides loaded from a
// YAML file. Reads vastly outnumber writes; writes happen only on reload.
type RoleTable struct {
	mu           sync.RWMutex
	base         map[string][]string
	orgOverrides map[string]map[string][]string
	version      uint64
}

// overrideFile is the YAML shape of the override document:
//
//	default:
//	  SUPPORT: [users:read, impersonation:start]
//	organizations:
//	  org-123:
//	    SUPPORT: [users:read]
type overrideFile struct {
	Default       map[string][]string            `yaml:"default"`
	Organizations map[string]map[string][]string `yaml:"organizations"`
}

// NewRoleTable creates a table with the built-in defaults
func NewRoleTable() *RoleTable {
	return &RoleTable{
		base:         builtinRoles(),
		orgOverrides: make(map[string]map[string][]string),
	}
}

// NormalizeRole upper-cases a role string for table lookup
func NormalizeRole(role string) string {
	return strings.ToUpper(strings.TrimSpace(role))
}

// EntryFor returns the permission list for a role within an organization.
// Org override wins over the base table; an unknown role falls back to the
// default member entry, so legacy role strings degrade to minimum privilege.
func (t *RoleTable) EntryFor(orgID, role string) ([]string, bool) {
	normalized := NormalizeRole(role)

	t.mu.RLock()
	defer t.mu.RUnlock()

	if org, ok := t.orgOverrides[orgID]; ok {
		if perms, ok := org[normalized]; ok {
			return perms, true
		}
	}
	if perms, ok := t.base[normalized]; ok {
		return perms, true
	}
	return t.base[DefaultRole], false
}

// Version increments on every successful reload; used as a cache epoch
func (t *RoleTable) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// LoadOverrides reads an override YAML file and applies it atomically.
// Default-section entries replace base entries; organization sections
// replace per-org entries wholesale.
func (t *RoleTable) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read role table overrides: %w", err)
	}

	var doc overrideFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse role table overrides: %w", err)
	}

	base := builtinRoles()
	for role, perms := range doc.Default {
		base[NormalizeRole(role)] = perms
	}

	orgOverrides := make(map[string]map[string][]string, len(doc.Organizations))
	for orgID, roles := range doc.Organizations {
		normalized := make(map[string][]string, len(roles))
		for role, perms := range roles {
			normalized[NormalizeRole(role)] = perms
		}
		orgOverrides[orgID] = normalized
	}

	t.mu.Lock()
	t.base = base
	t.orgOverrides = orgOverrides
	t.version++
	t.mu.Unlock()

	return nil
}

// Watch reloads the override file whenever it changes on disk. Returns
// after the watcher is registered; reloading happens in the background
// until ctx is cancelled.
func (t *RoleTable) Watch(ctx context.Context, path string, logger *observability.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		defer observability.RecoverPanic(logger, "role table watcher")

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := t.LoadOverrides(path); err != nil {
					// Keep serving the previous table on a bad reload
					logger.WithError(err).Error("Failed to reload role table overrides")
					continue
				}
				logger.Infof("Role table overrides reloaded from %s", path)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("Role table watcher error")

			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}
