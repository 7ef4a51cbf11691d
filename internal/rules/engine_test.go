package rules

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/sentinel/internal/model"
)

func txnAt(user, device string, amount float64, ts time.Time) *model.Transaction {
	return &model.Transaction{
		ID:        "txn-test",
		UserID:    user,
		DeviceID:  device,
		Amount:    amount,
		Currency:  "USD",
		Timestamp: ts,
	}
}

func daytime() time.Time {
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 14, 0, 0, 0, time.Local)
}

func hasFlag(v *Verdict, flag string) bool {
	for _, f := range v.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

func TestDeniedUserBlocksImmediately(t *testing.T) {
	e := NewEngine(DefaultConfig())
	e.Deny(DenyUser, "fraud_user_1")

	v := e.Evaluate(context.Background(), txnAt("fraud_user_1", "dev-1", 50, daytime()))
	if v.Action != Block {
		t.Fatalf("expected Block, got %v", v.Action)
	}
	if !hasFlag(v, FlagDeniedUser) {
		t.Errorf("expected %s flag, got %v", FlagDeniedUser, v.Flags)
	}
}

func TestDenyListRemoval(t *testing.T) {
	e := NewEngine(DefaultConfig())
	e.Deny(DenyDevice, "dev-bad")
	if !e.IsDenied(DenyDevice, "dev-bad") {
		t.Fatal("expected device to be denied")
	}
	e.Unban(DenyDevice, "dev-bad")
	if e.IsDenied(DenyDevice, "dev-bad") {
		t.Fatal("expected device to be cleared")
	}

	v := e.Evaluate(context.Background(), txnAt("u1", "dev-bad", 50, daytime()))
	if v.Action != Allow {
		t.Errorf("expected Allow after unban, got %v with flags %v", v.Action, v.Flags)
	}
}

func TestUserHourlyVelocityCap(t *testing.T) {
	e := NewEngine(DefaultConfig())
	ts := daytime()

	// 10 transactions within the hour are fine; no device ID so the
	// device cap does not interfere.
	for i := 0; i < 10; i++ {
		v := e.Evaluate(context.Background(), txnAt("u-velocity", "", 10, ts))
		if hasFlag(v, FlagVelocityUser1h) {
			t.Fatalf("txn %d unexpectedly flagged: %v", i+1, v.Flags)
		}
	}

	v := e.Evaluate(context.Background(), txnAt("u-velocity", "", 10, ts))
	if v.Action != Block {
		t.Fatalf("11th txn: expected Block, got %v", v.Action)
	}
	if !hasFlag(v, FlagVelocityUser1h) {
		t.Errorf("expected %s, got %v", FlagVelocityUser1h, v.Flags)
	}
}

func TestVelocityUsesTransactionClock(t *testing.T) {
	e := NewEngine(DefaultConfig())

	// A delayed feed: transactions carry timestamps three days in the
	// past. History must be retained relative to the transaction clock,
	// not the wall clock, or the window is empty on every evaluation.
	ts := daytime().Add(-72 * time.Hour)

	for i := 0; i < 10; i++ {
		v := e.Evaluate(context.Background(), txnAt("u-replay", "", 10, ts.Add(time.Duration(i)*time.Minute)))
		if hasFlag(v, FlagVelocityUser1h) {
			t.Fatalf("txn %d unexpectedly flagged: %v", i+1, v.Flags)
		}
	}

	v := e.Evaluate(context.Background(), txnAt("u-replay", "", 10, ts.Add(10*time.Minute)))
	if v.Action != Block {
		t.Fatalf("11th txn: expected Block, got %v", v.Action)
	}
	if !hasFlag(v, FlagVelocityUser1h) {
		t.Errorf("expected %s, got %v", FlagVelocityUser1h, v.Flags)
	}
}

func TestDeviceHourlyVelocityCap(t *testing.T) {
	e := NewEngine(DefaultConfig())
	ts := daytime()

	// Distinct users sharing one device.
	for i := 0; i < 5; i++ {
		user := string(rune('a'+i)) + "-user"
		e.Evaluate(context.Background(), txnAt(user, "shared-device", 10, ts))
	}

	v := e.Evaluate(context.Background(), txnAt("z-user", "shared-device", 10, ts))
	if !hasFlag(v, FlagVelocityDevice) {
		t.Errorf("expected %s, got %v", FlagVelocityDevice, v.Flags)
	}
	if v.Action != Block {
		t.Errorf("expected Block, got %v", v.Action)
	}
}

func TestHighValueVelocity(t *testing.T) {
	e := NewEngine(DefaultConfig())
	ts := daytime()

	for i := 0; i < 3; i++ {
		e.Evaluate(context.Background(), txnAt("hv-user", "", 1500, ts.Add(time.Duration(i-3)*time.Hour)))
	}

	v := e.Evaluate(context.Background(), txnAt("hv-user", "", 1500, ts))
	if !hasFlag(v, FlagVelocityHighVal) {
		t.Errorf("expected %s, got %v", FlagVelocityHighVal, v.Flags)
	}
	if v.Action < Review {
		t.Errorf("expected at least Review, got %v", v.Action)
	}
}

func TestFirstTransactionStepUp(t *testing.T) {
	e := NewEngine(DefaultConfig())

	v := e.Evaluate(context.Background(), txnAt("new-user", "dev-1", 750, daytime()))
	if v.Action != StepUp {
		t.Fatalf("expected StepUp, got %v", v.Action)
	}
	if !hasFlag(v, FlagFirstTxnHigh) {
		t.Errorf("expected %s, got %v", FlagFirstTxnHigh, v.Flags)
	}

	// Second transaction is no longer first.
	v = e.Evaluate(context.Background(), txnAt("new-user", "dev-1", 750, daytime()))
	if hasFlag(v, FlagFirstTxnHigh) {
		t.Errorf("second txn should not raise %s", FlagFirstTxnHigh)
	}
}

func TestLargeAmountReview(t *testing.T) {
	e := NewEngine(DefaultConfig())
	e.Evaluate(context.Background(), txnAt("big-user", "dev-1", 100, daytime()))

	v := e.Evaluate(context.Background(), txnAt("big-user", "dev-1", 15000, daytime()))
	if v.Action != Review {
		t.Fatalf("expected Review, got %v", v.Action)
	}
	if !hasFlag(v, FlagAmountLarge) {
		t.Errorf("expected %s, got %v", FlagAmountLarge, v.Flags)
	}
}

func TestUnusualAmountVsTrailingAverage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UnusualMultiplier = 10
	e := NewEngine(cfg)

	for i := 0; i < 5; i++ {
		e.Evaluate(context.Background(), txnAt("avg-user", "", 10, daytime()))
	}

	// 10 avg × multiplier 10 = 100 threshold.
	v := e.Evaluate(context.Background(), txnAt("avg-user", "", 500, daytime()))
	if !hasFlag(v, FlagAmountUnusual) {
		t.Errorf("expected %s, got %v", FlagAmountUnusual, v.Flags)
	}
}

func TestNightWindowReview(t *testing.T) {
	e := NewEngine(DefaultConfig())
	now := time.Now()
	night := time.Date(now.Year(), now.Month(), now.Day(), 4, 0, 0, 0, time.Local)

	v := e.Evaluate(context.Background(), txnAt("night-user", "dev-1", 50, night))
	if !hasFlag(v, FlagNightWindow) {
		t.Errorf("expected %s, got %v", FlagNightWindow, v.Flags)
	}
	if v.Action != Review {
		t.Errorf("expected Review, got %v", v.Action)
	}
}

func TestActionOnlyUpgrades(t *testing.T) {
	v := &Verdict{Action: Block}
	v.raise(Review, "some_flag")
	if v.Action != Block {
		t.Errorf("raise must not downgrade: got %v", v.Action)
	}
}

func TestFlagDescriptionsCoverAllFlags(t *testing.T) {
	desc := FlagDescriptions()
	for _, flag := range []string{
		FlagDeniedUser, FlagDeniedDevice, FlagDeniedIP, FlagDeniedMerchant,
		FlagVelocityUser1h, FlagVelocityUser1d, FlagVelocityDevice, FlagVelocityHighVal,
		FlagNightWindow, FlagFirstTxnHigh, FlagAmountLarge, FlagAmountUnusual,
	} {
		if desc[flag] == "" {
			t.Errorf("missing description for %s", flag)
		}
	}
}
