package refresh

import (
	"context"
	"fmt"

	"github.com/roach88/envsync/internal/platform"
)

// Restore replaces target with a clone of backup. It is the operator's
// remediation after a FATAL run, when no live target exists.
//
// backup must be a backup of target under the configured naming scheme.
func (m *Machine) Restore(ctx context.Context, target, backup string) error {
	if _, ok := m.scheme.DecodeFor(target, backup); !ok {
		return fmt.Errorf("restore %s: %s is not a backup of %s", target, backup, target)
	}
	ok, err := m.platform.EnvironmentExists(ctx, backup)
	if err != nil {
		return fmt.Errorf("restore %s: check %s: %w", target, backup, err)
	}
	if !ok {
		return fmt.Errorf("restore %s: %s: %w", target, backup, platform.ErrNotFound)
	}

	unlock, err := m.locker.TryLock(ctx, target)
	if err != nil {
		return fmt.Errorf("restore %s: %w", target, err)
	}
	defer unlock()

	m.logger.Info("restore started", "event", "restore_started", "target", target, "backup", backup)
	if err := m.restoreFrom(context.WithoutCancel(ctx), target, backup); err != nil {
		return fmt.Errorf("restore %s: %w", target, err)
	}
	m.record(ctx, "record restore", func(ctx context.Context) error {
		return m.recorder.RecordTargetCloned(ctx, target, backup, m.now())
	})
	m.logger.Info("restore completed", "event", "restore_completed", "target", target, "backup", backup)
	return nil
}
