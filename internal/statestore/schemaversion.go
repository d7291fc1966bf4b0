package statestore

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// checkSchemaVersion decides whether a persisted schemaVersion is
// loadable by this binary. Versions are expressed as a bare integer in
// the snapshot (spec §3); internally that integer is treated as the
// major component of a semver triple so compatibility can be expressed
// with a normal semver constraint instead of ad-hoc integer math. Any
// version sharing this binary's major is loaded as-is (same-major minor
// bumps are additive and ignored by older readers); an older major
// triggers the "best-effort migration" path spec §6 allows — here, that
// just means accepting the snapshot (no migrations are registered yet).
// A newer major is refused: this binary cannot know what it means.
func checkSchemaVersion(version int) error {
	current, err := semver.NewVersion(fmt.Sprintf("%d.0.0", CurrentSchemaVersion))
	if err != nil {
		return fmt.Errorf("statestore: invalid current schema version: %w", err)
	}

	got, err := semver.NewVersion(fmt.Sprintf("%d.0.0", version))
	if err != nil {
		return fmt.Errorf("statestore: invalid persisted schema version %d: %w", version, err)
	}

	if got.Major() > current.Major() {
		return fmt.Errorf("statestore: persisted schemaVersion %d is newer than this binary understands (current %d)", version, CurrentSchemaVersion)
	}

	return nil
}
