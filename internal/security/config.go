package security

import "time"

// Config tunes the detector heuristics.
type Config struct {
	// Request-rate heuristic, per-minute window.
	RateWarnPerMinute     int
	RateCriticalPerMinute int

	// Rapid-burst heuristic: RapidBurstThreshold requests inside
	// RapidBurstWindow flag a source before the per-minute floors trip.
	RapidBurstWindow    time.Duration
	RapidBurstThreshold int

	// Error-rate heuristic over the last ErrorSampleSize requests,
	// evaluated once at least ErrorMinSamples are present.
	ErrorWarnRatio  float64
	ErrorCritRatio  float64
	ErrorSampleSize int
	ErrorMinSamples int

	// Auth brute-force window. A success clears the window.
	AuthFailWarn   int
	AuthFailCrit   int
	AuthFailWindow time.Duration

	// Data exfiltration: volume above ExfilMultiplier times the running
	// mean, once ExfilMinSamples accesses were seen.
	ExfilMultiplier float64
	ExfilMinSamples int

	// Off-hours access. Hours in [OffHoursStart, 24) or [0, OffHoursEnd)
	// count as off-hours. Raised only when the source has at least
	// OffHoursMinHistory observations and historically works off-hours
	// less than OffHoursMaxRatio of the time.
	OffHoursStart      int
	OffHoursEnd        int
	OffHoursMinHistory int
	OffHoursMaxRatio   float64
	// SimulateOffHours forces the off-hours clock check on (ops drills).
	SimulateOffHours bool

	// SensitiveEndpoints raise privilege-escalation on first or second
	// access by a source.
	SensitiveEndpoints []string

	// PreferSpecificThreats makes a specific threat (brute force,
	// exfiltration, escalation) win over generic API abuse at the same
	// level; highest level still wins across the board.
	PreferSpecificThreats bool

	// EventRetention caps the in-memory event ring.
	MaxEvents int
}

// DefaultConfig returns production detector defaults.
func DefaultConfig() Config {
	return Config{
		RateWarnPerMinute:     100,
		RateCriticalPerMinute: 500,
		RapidBurstWindow:      time.Minute,
		RapidBurstThreshold:   50,
		ErrorWarnRatio:        0.10,
		ErrorCritRatio:        0.25,
		ErrorSampleSize:       50,
		ErrorMinSamples:       10,
		AuthFailWarn:          5,
		AuthFailCrit:          10,
		AuthFailWindow:        15 * time.Minute,
		ExfilMultiplier:       3.0,
		ExfilMinSamples:       5,
		OffHoursStart:         22,
		OffHoursEnd:           6,
		OffHoursMinHistory:    20,
		OffHoursMaxRatio:      0.10,
		SensitiveEndpoints: []string{
			"/admin", "/internal", "/debug", "/config",
			"/users/all", "/data/export", "/system",
		},
		PreferSpecificThreats: true,
		MaxEvents:             10000,
	}
}
