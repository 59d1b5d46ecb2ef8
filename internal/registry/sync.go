package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/envsync/internal/model"
	"github.com/roach88/envsync/internal/naming"
	"github.com/roach88/envsync/internal/platform"
	"github.com/roach88/envsync/internal/store"
)

// SyncReport lists what Sync changed.
type SyncReport struct {
	Registered []string // Names newly recorded
	Retired    []string // Names the platform no longer holds
}

// Sync reconciles the registry with the platform for one source/target pair.
//
// It registers the source and target if the platform holds them, imports
// backups of target found on the platform (decoded through scheme), and retires
// registry entries whose environment no longer exists.
func (r *Registry) Sync(ctx context.Context, p platform.Platform, scheme *naming.Scheme, source, target string) (SyncReport, error) {
	report := SyncReport{Registered: []string{}, Retired: []string{}}

	for _, pair := range []struct {
		name string
		role model.Role
	}{{source, model.RoleSource}, {target, model.RoleTarget}} {
		exists, err := p.EnvironmentExists(ctx, pair.name)
		if err != nil {
			return report, fmt.Errorf("sync %s: %w", pair.name, err)
		}
		_, liveErr := r.store.LiveEnvironment(ctx, pair.name)
		known := liveErr == nil
		if liveErr != nil && !errors.Is(liveErr, store.ErrNotFound) {
			return report, fmt.Errorf("sync %s: %w", pair.name, liveErr)
		}
		switch {
		case exists && !known:
			if _, err := r.Register(ctx, pair.name, pair.role); err != nil {
				return report, fmt.Errorf("sync: %w", err)
			}
			report.Registered = append(report.Registered, pair.name)
		case !exists && known:
			if err := r.MarkDeleted(ctx, pair.name); err != nil {
				return report, fmt.Errorf("sync: %w", err)
			}
			report.Retired = append(report.Retired, pair.name)
		}
	}

	listings, err := p.ListEnvironments(ctx, scheme.Prefix(target))
	if err != nil {
		return report, fmt.Errorf("sync backups of %s: %w", target, err)
	}
	onPlatform := map[string]bool{}
	for _, l := range listings {
		b, ok := scheme.DecodeFor(target, l.Name)
		if !ok {
			continue
		}
		onPlatform[b.Name] = true
		if _, err := r.store.LiveEnvironment(ctx, b.Name); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return report, fmt.Errorf("sync %s: %w", b.Name, err)
		}
		if err := r.RecordBackup(ctx, b); err != nil {
			return report, fmt.Errorf("sync: %w", err)
		}
		report.Registered = append(report.Registered, b.Name)
	}

	known, err := r.ListBackups(ctx, target)
	if err != nil {
		return report, fmt.Errorf("sync backups of %s: %w", target, err)
	}
	for _, env := range known {
		if onPlatform[env.Name] {
			continue
		}
		if err := r.store.SetEnvironmentStatus(ctx, env.ID, model.StatusDeleted); err != nil {
			return report, fmt.Errorf("sync: retire %s: %w", env.Name, err)
		}
		report.Retired = append(report.Retired, env.Name)
	}

	if len(report.Registered) > 0 || len(report.Retired) > 0 {
		r.logger.Info("registry reconciled", "event", "registry_sync",
			"target", target, "registered", len(report.Registered), "retired", len(report.Retired))
	}
	return report, nil
}
