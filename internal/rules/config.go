package rules

import "time"

// Config tunes the rules engine. Zero values are not meaningful; start from
// DefaultConfig and override fields as needed.
type Config struct {
	// Velocity caps. A transaction that would be the (cap+1)th within the
	// window raises the corresponding flag.
	UserHourlyCap   int
	UserDailyCap    int
	DeviceHourlyCap int

	// High-value velocity: transactions at or above HighValueFloor count
	// against HighValueDailyCap within 24h.
	HighValueFloor    float64
	HighValueDailyCap int

	// Night anomaly window, inclusive start, exclusive end, local hours.
	NightStartHour int
	NightEndHour   int

	// Amount rules.
	FirstTxnStepUpFloor float64 // first txn for a user above this → step up
	LargeAmountFloor    float64 // any txn above this → review
	UnusualMultiplier   float64 // txn above multiplier × trailing avg → review
	TrailingWindow      int     // number of past amounts in the trailing avg

	// History retention. Windows older than this are pruned lazily.
	HistoryRetention time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		UserHourlyCap:       10,
		UserDailyCap:        50,
		DeviceHourlyCap:     5,
		HighValueFloor:      1000,
		HighValueDailyCap:   3,
		NightStartHour:      3,
		NightEndHour:        5,
		FirstTxnStepUpFloor: 500,
		LargeAmountFloor:    10000,
		UnusualMultiplier:   100,
		TrailingWindow:      30,
		HistoryRetention:    24 * time.Hour,
	}
}
