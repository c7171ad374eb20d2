package config

import "fmt"

// CurrentVersion is the config file version this build reads.
const CurrentVersion = 1

// VersionProblem says how a config version disagrees with CurrentVersion.
type VersionProblem string

const (
	VersionMissing VersionProblem = "missing"
	VersionOlder   VersionProblem = "older"
	VersionNewer   VersionProblem = "newer"
)

// VersionError is returned by Load when the file's `version` cannot be read
// by this build.
type VersionError struct {
	Version int
	Current int
	Problem VersionProblem
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	switch e.Problem {
	case VersionMissing:
		return fmt.Sprintf("atlas config has no version; add `version: %d` at the top of the file", e.Current)
	case VersionNewer:
		return fmt.Sprintf("atlas config version %d was written for a newer atlas (this build reads %d); upgrade the atlas binary", e.Version, e.Current)
	default:
		return fmt.Sprintf("atlas config version %d is no longer read (this build reads %d); run `atlas config schema` and migrate the file", e.Version, e.Current)
	}
}

// ValidateVersion checks a config file version against CurrentVersion.
func ValidateVersion(version int) error {
	switch {
	case version <= 0:
		return &VersionError{Version: version, Current: CurrentVersion, Problem: VersionMissing}
	case version < CurrentVersion:
		return &VersionError{Version: version, Current: CurrentVersion, Problem: VersionOlder}
	case version > CurrentVersion:
		return &VersionError{Version: version, Current: CurrentVersion, Problem: VersionNewer}
	}
	return nil
}
