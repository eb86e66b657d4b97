package exitcode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/marcus/csvmirror/internal/config"
	"github.com/marcus/csvmirror/internal/manifest"
	"github.com/marcus/csvmirror/internal/pipeline"
	"github.com/marcus/csvmirror/internal/preflight"
	"github.com/marcus/csvmirror/internal/remote"
	"github.com/marcus/csvmirror/internal/schema"
	"github.com/marcus/csvmirror/internal/verify"
)

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, OK},
		{"mismatch", fmt.Errorf("verify: %w", verify.ErrMismatch), Mismatch},
		{"missing token", fmt.Errorf("%w: NOTION_TOKEN", config.ErrMissing), Config},
		{"missing mapping", fmt.Errorf("%w: docs/mapping.yml", schema.ErrNoMapping), Config},
		{"missing manifest", manifest.ErrNoManifest, Config},
		{"unauthorized", fmt.Errorf("list: %w", remote.ErrUnauthorized), Config},
		{"hazard", fmt.Errorf("%w: tasks", preflight.ErrHazard), Hazard},
		{"rate limited", fmt.Errorf("dedupe: list tasks: %w", remote.ErrRateLimited), Remote},
		{"server", fmt.Errorf("%w: HTTP 502", remote.ErrServer), Remote},
		{"partial", fmt.Errorf("upsert: %w", pipeline.ErrPartial), Remote},
		{"other", errors.New("boom"), Unexpected},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Code(tc.err); got != tc.want {
				t.Errorf("Code(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}
