package rules

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/model"
)

// historyEntry records a single past transaction for sliding-window analysis.
type historyEntry struct {
	Amount    float64
	Timestamp time.Time
}

const maxWindowSize = 1000

// Engine evaluates transactions against deny lists, velocity caps, and
// amount rules using in-memory sliding windows per key.
type Engine struct {
	cfg Config

	userWindows   sync.Map // map[string]*keyWindow, keyed by user ID
	deviceWindows sync.Map // map[string]*keyWindow, keyed by device ID

	denyMu sync.RWMutex
	deny   map[DenyKind]map[string]struct{}
}

type keyWindow struct {
	mu      sync.Mutex
	entries []historyEntry
}

// NewEngine creates a rules engine with the given configuration.
func NewEngine(cfg Config) *Engine {
	deny := map[DenyKind]map[string]struct{}{
		DenyUser:     {},
		DenyDevice:   {},
		DenyIP:       {},
		DenyMerchant: {},
	}
	return &Engine{cfg: cfg, deny: deny}
}

// Evaluate runs all rule stages against the transaction and records it into
// history. The verdict's action only ever upgrades as stages run; flags are
// appended in evaluation order. Pure in-memory computation.
func (e *Engine) Evaluate(_ context.Context, txn *model.Transaction) *Verdict {
	v := &Verdict{Action: Allow, EvaluatedAt: time.Now()}

	e.checkDenyLists(txn, v)
	if !v.Blocked() {
		e.checkVelocity(txn, v)
		e.checkTimeOfDay(txn, v)
		e.checkAmounts(txn, v)
	}

	e.record(txn)
	return v
}

// Deny adds a value to a deny list.
func (e *Engine) Deny(kind DenyKind, value string) {
	e.denyMu.Lock()
	defer e.denyMu.Unlock()
	if m, ok := e.deny[kind]; ok {
		m[value] = struct{}{}
	}
}

// Unban removes a value from a deny list. Removing an absent value is a no-op.
func (e *Engine) Unban(kind DenyKind, value string) {
	e.denyMu.Lock()
	defer e.denyMu.Unlock()
	if m, ok := e.deny[kind]; ok {
		delete(m, value)
	}
}

// IsDenied reports whether a value is on a deny list.
func (e *Engine) IsDenied(kind DenyKind, value string) bool {
	e.denyMu.RLock()
	defer e.denyMu.RUnlock()
	if m, ok := e.deny[kind]; ok {
		_, denied := m[value]
		return denied
	}
	return false
}

func (e *Engine) checkDenyLists(txn *model.Transaction, v *Verdict) {
	e.denyMu.RLock()
	defer e.denyMu.RUnlock()

	checks := []struct {
		kind  DenyKind
		value string
		flag  string
	}{
		{DenyUser, txn.UserID, FlagDeniedUser},
		{DenyDevice, txn.DeviceID, FlagDeniedDevice},
		{DenyIP, txn.IP, FlagDeniedIP},
		{DenyMerchant, txn.MerchantID, FlagDeniedMerchant},
	}
	for _, c := range checks {
		if c.value == "" {
			continue
		}
		if _, denied := e.deny[c.kind][c.value]; denied {
			v.raise(Block, c.flag)
		}
	}
}

func (e *Engine) checkVelocity(txn *model.Transaction, v *Verdict) {
	now := txn.Timestamp
	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-24 * time.Hour)

	user := e.snapshot(&e.userWindows, txn.UserID, now)
	var user1h, user1d, highVal1d int
	for _, entry := range user {
		if entry.Timestamp.After(dayAgo) {
			user1d++
			if entry.Amount >= e.cfg.HighValueFloor {
				highVal1d++
			}
		}
		if entry.Timestamp.After(hourAgo) {
			user1h++
		}
	}
	if user1h >= e.cfg.UserHourlyCap {
		v.raise(Block, FlagVelocityUser1h)
	}
	if user1d >= e.cfg.UserDailyCap {
		v.raise(Block, FlagVelocityUser1d)
	}

	if txn.DeviceID != "" {
		device := e.snapshot(&e.deviceWindows, txn.DeviceID, now)
		var device1h int
		for _, entry := range device {
			if entry.Timestamp.After(hourAgo) {
				device1h++
			}
		}
		if device1h >= e.cfg.DeviceHourlyCap {
			v.raise(Block, FlagVelocityDevice)
		}
	}

	if txn.Amount >= e.cfg.HighValueFloor && highVal1d >= e.cfg.HighValueDailyCap {
		v.raise(Review, FlagVelocityHighVal)
	}
}

func (e *Engine) checkTimeOfDay(txn *model.Transaction, v *Verdict) {
	hour := txn.Timestamp.Hour()
	if hour >= e.cfg.NightStartHour && hour < e.cfg.NightEndHour {
		v.raise(Review, FlagNightWindow)
	}
}

func (e *Engine) checkAmounts(txn *model.Transaction, v *Verdict) {
	user := e.snapshot(&e.userWindows, txn.UserID, txn.Timestamp)

	if len(user) == 0 && txn.Amount > e.cfg.FirstTxnStepUpFloor {
		v.raise(StepUp, FlagFirstTxnHigh)
	}

	if txn.Amount > e.cfg.LargeAmountFloor {
		v.raise(Review, FlagAmountLarge)
	}

	// Trailing average over the last TrailingWindow amounts.
	if n := len(user); n > 0 {
		start := 0
		if n > e.cfg.TrailingWindow {
			start = n - e.cfg.TrailingWindow
		}
		var sum float64
		for _, entry := range user[start:] {
			sum += entry.Amount
		}
		avg := sum / float64(n-start)
		if avg > 0 && txn.Amount > avg*e.cfg.UnusualMultiplier {
			v.raise(Review, FlagAmountUnusual)
		}
	}
}

// record appends the transaction to the user and device windows.
func (e *Engine) record(txn *model.Transaction) {
	entry := historyEntry{Amount: txn.Amount, Timestamp: txn.Timestamp}
	e.append(&e.userWindows, txn.UserID, entry, txn.Timestamp)
	if txn.DeviceID != "" {
		e.append(&e.deviceWindows, txn.DeviceID, entry, txn.Timestamp)
	}
}

func (e *Engine) getWindow(windows *sync.Map, key string) *keyWindow {
	v, _ := windows.LoadOrStore(key, &keyWindow{})
	return v.(*keyWindow)
}

// snapshot returns a copy of entries for a key that are still inside the
// retention window relative to the given reference time. Retention is
// measured against the transaction's own clock, so replayed or delayed
// traffic sees a consistent history.
func (e *Engine) snapshot(windows *sync.Map, key string, at time.Time) []historyEntry {
	if key == "" {
		return nil
	}
	w := e.getWindow(windows, key)
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := at.Add(-e.cfg.HistoryRetention)
	result := make([]historyEntry, 0, len(w.entries))
	for _, entry := range w.entries {
		if entry.Timestamp.After(cutoff) {
			result = append(result, entry)
		}
	}
	return result
}

func (e *Engine) append(windows *sync.Map, key string, entry historyEntry, at time.Time) {
	if key == "" {
		return
	}
	w := e.getWindow(windows, key)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries = append(w.entries, entry)
	e.pruneWindow(w, at)
}

// pruneWindow removes entries past retention and caps at maxWindowSize.
// Caller holds the window lock.
func (e *Engine) pruneWindow(w *keyWindow, at time.Time) {
	cutoff := at.Add(-e.cfg.HistoryRetention)
	start := 0
	for start < len(w.entries) && w.entries[start].Timestamp.Before(cutoff) {
		start++
	}
	if start > 0 {
		w.entries = w.entries[start:]
	}
	if len(w.entries) > maxWindowSize {
		w.entries = w.entries[len(w.entries)-maxWindowSize:]
	}
}

// raise upgrades the action if needed and appends the flag.
func (v *Verdict) raise(a Action, flag string) {
	if a > v.Action {
		v.Action = a
	}
	v.Flags = append(v.Flags, flag)
}
