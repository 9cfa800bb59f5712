package supervisor

import (
	"time"

	"github.com/fluxionhq/fluxion/pkg/types"
)

// Options are the resource caps and admission limits for one worker. The
// zero value of any field means "use the default"; SoftLimitAlways flips the
// soft memory limit from polite (restart only when idle) to unconditional.
type Options struct {
	MaxOldGenerationSizeMB   int
	MaxYoungGenerationSizeMB int
	StackSizeMB              int
	RequestTimeout           time.Duration
	MaxInflight              int
	MemorySoftLimitMB        int
	MemoryHardLimitMB        int
	MaxResponseBytes         int64
	MemorySampleInterval     time.Duration
	SoftLimitAlways          bool
}

// Defaults for fields left zero.
const (
	DefaultMaxOldGenerationSizeMB   = 128
	DefaultMaxYoungGenerationSizeMB = 32
	DefaultStackSizeMB              = 4
	DefaultRequestTimeout           = 3 * time.Second
	DefaultMaxInflight              = 64
	DefaultMemorySoftLimitMB        = 96
	DefaultMemoryHardLimitMB        = 128
	DefaultMaxResponseBytes         = 8 << 20
	DefaultMemorySampleInterval     = 5 * time.Second
)

// withDefaults fills every zero field.
func withDefaults(o Options) Options {
	if o.MaxOldGenerationSizeMB == 0 {
		o.MaxOldGenerationSizeMB = DefaultMaxOldGenerationSizeMB
	}
	if o.MaxYoungGenerationSizeMB == 0 {
		o.MaxYoungGenerationSizeMB = DefaultMaxYoungGenerationSizeMB
	}
	if o.StackSizeMB == 0 {
		o.StackSizeMB = DefaultStackSizeMB
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.MaxInflight == 0 {
		o.MaxInflight = DefaultMaxInflight
	}
	if o.MemorySoftLimitMB == 0 {
		o.MemorySoftLimitMB = DefaultMemorySoftLimitMB
	}
	if o.MemoryHardLimitMB == 0 {
		o.MemoryHardLimitMB = DefaultMemoryHardLimitMB
	}
	if o.MaxResponseBytes == 0 {
		o.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if o.MemorySampleInterval == 0 {
		o.MemorySampleInterval = DefaultMemorySampleInterval
	}
	return o
}

// Merge overlays per-worker overrides on a base set: non-zero override
// fields win.
func Merge(base, override Options) Options {
	if override.MaxOldGenerationSizeMB != 0 {
		base.MaxOldGenerationSizeMB = override.MaxOldGenerationSizeMB
	}
	if override.MaxYoungGenerationSizeMB != 0 {
		base.MaxYoungGenerationSizeMB = override.MaxYoungGenerationSizeMB
	}
	if override.StackSizeMB != 0 {
		base.StackSizeMB = override.StackSizeMB
	}
	if override.RequestTimeout != 0 {
		base.RequestTimeout = override.RequestTimeout
	}
	if override.MaxInflight != 0 {
		base.MaxInflight = override.MaxInflight
	}
	if override.MemorySoftLimitMB != 0 {
		base.MemorySoftLimitMB = override.MemorySoftLimitMB
	}
	if override.MemoryHardLimitMB != 0 {
		base.MemoryHardLimitMB = override.MemoryHardLimitMB
	}
	if override.MaxResponseBytes != 0 {
		base.MaxResponseBytes = override.MaxResponseBytes
	}
	if override.MemorySampleInterval != 0 {
		base.MemorySampleInterval = override.MemorySampleInterval
	}
	if override.SoftLimitAlways {
		base.SoftLimitAlways = true
	}
	return base
}

// Limits is the snapshot view of the effective caps.
func (o Options) Limits() types.Limits {
	return types.Limits{
		MaxOldGenerationSizeMB:   o.MaxOldGenerationSizeMB,
		MaxYoungGenerationSizeMB: o.MaxYoungGenerationSizeMB,
		StackSizeMB:              o.StackSizeMB,
		RequestTimeoutMS:         o.RequestTimeout.Milliseconds(),
		MaxInflight:              o.MaxInflight,
		MemorySoftLimitMB:        o.MemorySoftLimitMB,
		MemoryHardLimitMB:        o.MemoryHardLimitMB,
		MaxResponseBytes:         o.MaxResponseBytes,
	}
}
