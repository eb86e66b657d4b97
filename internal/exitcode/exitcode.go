// Package exitcode maps failures to the process exit status.
package exitcode

import (
	"errors"

	"github.com/marcus/csvmirror/internal/backfill"
	"github.com/marcus/csvmirror/internal/config"
	"github.com/marcus/csvmirror/internal/manifest"
	"github.com/marcus/csvmirror/internal/notion"
	"github.com/marcus/csvmirror/internal/pipeline"
	"github.com/marcus/csvmirror/internal/preflight"
	"github.com/marcus/csvmirror/internal/remote"
	"github.com/marcus/csvmirror/internal/runlock"
	"github.com/marcus/csvmirror/internal/schema"
	"github.com/marcus/csvmirror/internal/verify"
)

// Exit statuses.
const (
	OK         = 0
	Unexpected = 1
	Mismatch   = 2
	Config     = 3
	Hazard     = 4
	Remote     = 5
)

var configErrors = []error{
	config.ErrMissing,
	schema.ErrNoMapping,
	manifest.ErrNoManifest,
	manifest.ErrMissingEntry,
	manifest.ErrUnresolved,
	remote.ErrNoParent,
	remote.ErrUnauthorized,
	notion.ErrForbidden,
}

var hazardErrors = []error{
	preflight.ErrHazard,
	backfill.ErrRelationConflict,
	runlock.ErrLocked,
}

var remoteErrors = []error{
	remote.ErrNotFound,
	remote.ErrRateLimited,
	remote.ErrUnsupportedField,
	remote.ErrValidation,
	remote.ErrServer,
	pipeline.ErrPartial,
}

func isAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// Code returns the exit status for err. Configuration problems take
// precedence since they explain most downstream failures.
func Code(err error) int {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, verify.ErrMismatch):
		return Mismatch
	case isAny(err, configErrors):
		return Config
	case isAny(err, hazardErrors):
		return Hazard
	case isAny(err, remoteErrors):
		return Remote
	default:
		return Unexpected
	}
}
