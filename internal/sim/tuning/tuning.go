// Package tuning holds the service-level knobs that are deployment
// choices rather than species biology: cycle cadence, snapshot cadence,
// viewer limits and safety caps.
package tuning

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	CycleDurationMs     int `yaml:"cycle_duration_ms"`
	SnapshotEveryCycles int `yaml:"snapshot_every_cycles"`

	// Safety caps against runaway grammars. MaxProgramBytes bounds the
	// rewritten string, MaxBranches bounds the interpreted tree.
	MaxProgramBytes int `yaml:"max_program_bytes"`
	MaxBranches     int `yaml:"max_branches"`

	ViewerSendBuffer   int `yaml:"viewer_send_buffer"`
	MaxViewers         int `yaml:"max_viewers"`
	HandshakeTimeoutMs int `yaml:"handshake_timeout_ms"`
	WriteTimeoutMs     int `yaml:"write_timeout_ms"`

	RateLimits RateLimits `yaml:"rate_limits"`
}

type RateLimits struct {
	SetParamsWindowCycles int `yaml:"set_params_window_cycles"`
	SetParamsMax          int `yaml:"set_params_max"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:     "1.0",
		CycleDurationMs:     2000,
		SnapshotEveryCycles: 10,
		MaxProgramBytes:     1 << 20,
		MaxBranches:         50000,
		ViewerSendBuffer:    64,
		MaxViewers:          64,
		HandshakeTimeoutMs:  5000,
		WriteTimeoutMs:      10000,
		RateLimits: RateLimits{
			SetParamsWindowCycles: 5,
			SetParamsMax:          10,
		},
	}
}

// Load reads tuning.yaml over the defaults, so a partial file only
// overrides what it names. Unknown keys are rejected.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil && !errors.Is(err, io.EOF) {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) CycleDuration() time.Duration {
	return time.Duration(t.CycleDurationMs) * time.Millisecond
}

func (t Tuning) HandshakeTimeout() time.Duration {
	return time.Duration(t.HandshakeTimeoutMs) * time.Millisecond
}

func (t Tuning) WriteTimeout() time.Duration {
	return time.Duration(t.WriteTimeoutMs) * time.Millisecond
}
