// Package persist stores durable session state and gates it on a schema
// version this build understands.
//
// Every read goes through [IsSupported] before any other field of the
// persisted document is interpreted. An unsupported version is fatal for that
// session: the broker refuses to load it and callers must not retry.
package persist

import (
	"slices"

	"github.com/hpcgrid/sessionbroker/internal/errors"
)

// CurrentVersion is the version written by this build.
const CurrentVersion = 1

// supportedVersions is fixed for the process lifetime.
var supportedVersions = []int{CurrentVersion}

// IsSupported reports whether version is one this build can read.
func IsSupported(version int) bool {
	return slices.Contains(supportedVersions, version)
}

// SupportedVersions returns a copy of the supported version set.
func SupportedVersions() []int {
	return slices.Clone(supportedVersions)
}

// CheckVersion returns an error wrapping ErrUnsupportedPersistVersion when
// version is not supported.
func CheckVersion(sessionID string, version int) error {
	if IsSupported(version) {
		return nil
	}
	return errors.NewPersistError("refusing to load persisted session", errors.ErrUnsupportedPersistVersion).
		WithSessionID(sessionID).
		WithVersion(version)
}
