package resilience

import (
	"runtime"
)

// Profile is a named bundle of streaming settings selected by the
// estimated on-disk size of a table.
type Profile uint8

const (
	ProfileAuto Profile = iota
	ProfileSmall
	ProfileMedium
	ProfileLarge
	ProfileEnterprise
)

func (p Profile) String() string {
	switch p {
	case ProfileSmall:
		return "small"
	case ProfileMedium:
		return "medium"
	case ProfileLarge:
		return "large"
	case ProfileEnterprise:
		return "enterprise"
	}
	return "auto"
}

// ParseProfile maps a configuration string to a profile.
func ParseProfile(s string) (Profile, bool) {
	switch s {
	case "", "auto":
		return ProfileAuto, true
	case "small":
		return ProfileSmall, true
	case "medium":
		return ProfileMedium, true
	case "large":
		return ProfileLarge, true
	case "enterprise":
		return ProfileEnterprise, true
	}
	return ProfileAuto, false
}

// Batch size and cadence bounds.
const (
	MinBatch = 5
	MaxBatch = 400

	// DefaultGCCadence is how many records pass between forced GC
	// sweeps.
	DefaultGCCadence = 1000

	// StreamingThreshold is the record count above which a table is
	// streamed rather than buffered.
	StreamingThreshold = 10_000
)

// Size thresholds selecting the auto profile.
const (
	smallLimit = 10 << 20 // 10 MB
	largeLimit = 1 << 30  // 1 GB
	hugeLimit  = 10 << 30 // 10 GB
)

// Settings is the resolved policy for one table.
type Settings struct {
	Profile      Profile
	InitialBatch int
	MemoryLimit  int64
	Streaming    bool
	ParallelOK   bool
	GCCadence    int
}

// profileSettings are the fixed per-profile defaults.
var profileSettings = map[Profile]Settings{
	ProfileSmall:      {Profile: ProfileSmall, InitialBatch: 200, MemoryLimit: 200 << 20, Streaming: false, ParallelOK: false, GCCadence: DefaultGCCadence},
	ProfileMedium:     {Profile: ProfileMedium, InitialBatch: 100, MemoryLimit: 500 << 20, Streaming: true, ParallelOK: false, GCCadence: DefaultGCCadence},
	ProfileLarge:      {Profile: ProfileLarge, InitialBatch: 50, MemoryLimit: 1 << 30, Streaming: true, ParallelOK: true, GCCadence: DefaultGCCadence},
	ProfileEnterprise: {Profile: ProfileEnterprise, InitialBatch: 25, MemoryLimit: 2 << 30, Streaming: true, ParallelOK: true, GCCadence: DefaultGCCadence},
}

// SelectProfile classifies a table by its estimated on-disk size.
func SelectProfile(estimatedBytes int64) Profile {
	switch {
	case estimatedBytes < smallLimit:
		return ProfileSmall
	case estimatedBytes < largeLimit:
		return ProfileMedium
	case estimatedBytes < hugeLimit:
		return ProfileLarge
	default:
		return ProfileEnterprise
	}
}

// Resolve produces the settings for a table. profile may be
// ProfileAuto; memoryLimit overrides the profile default when positive.
func Resolve(profile Profile, estimatedBytes, memoryLimit int64) Settings {
	if profile == ProfileAuto {
		profile = SelectProfile(estimatedBytes)
	}
	s := profileSettings[profile]
	if memoryLimit > 0 {
		s.MemoryLimit = memoryLimit
	}
	if s.InitialBatch < MinBatch {
		s.InitialBatch = MinBatch
	}
	if s.InitialBatch > MaxBatch {
		s.InitialBatch = MaxBatch
	}
	return s
}

// Governor adjusts the batch size between batches based on observed
// memory pressure. It is not safe for concurrent use; parallel table
// workers each get their own.
type Governor struct {
	settings Settings
	probe    MemoryProbe

	batch        int
	lowStreak    int
	sinceGC      int
	forcedSweeps int
}

// NewGovernor builds a governor from resolved settings. A nil probe
// selects the platform default.
func NewGovernor(s Settings, probe MemoryProbe) *Governor {
	if probe == nil {
		probe = NewProbe()
	}
	return &Governor{settings: s, probe: probe, batch: s.InitialBatch}
}

// Settings returns the resolved policy the governor runs under.
func (g *Governor) Settings() Settings { return g.settings }

// BatchSize returns the current batch size.
func (g *Governor) BatchSize() int { return g.batch }

// ForcedSweeps returns how many GC sweeps pressure handling forced.
func (g *Governor) ForcedSweeps() int { return g.forcedSweeps }

// OverLimit reports whether RSS exceeds the configured memory limit
// even after pressure remediation. The engine treats this as fatal.
func (g *Governor) OverLimit() bool {
	return g.probe.RSS() > g.settings.MemoryLimit
}

// AfterBatch observes one completed batch and returns the size to use
// for the next one. Above 85% of the limit the batch halves and a GC
// sweep runs; below 40% for three consecutive batches it grows by half.
func (g *Governor) AfterBatch(rowsWritten int, bytesWritten int64) int {
	rss := g.probe.RSS()
	limit := g.settings.MemoryLimit

	switch {
	case rss > limit*85/100:
		g.batch /= 2
		if g.batch < MinBatch {
			g.batch = MinBatch
		}
		g.lowStreak = 0
		g.forcedSweeps++
		runtime.GC()
	case rss < limit*40/100:
		g.lowStreak++
		if g.lowStreak >= 3 {
			g.batch = g.batch * 3 / 2
			if g.batch > MaxBatch {
				g.batch = MaxBatch
			}
			g.lowStreak = 0
		}
	default:
		g.lowStreak = 0
	}

	g.sinceGC += rowsWritten
	if g.sinceGC >= g.settings.GCCadence {
		g.sinceGC = 0
		runtime.GC()
	}
	return g.batch
}
