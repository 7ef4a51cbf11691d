// Package rules implements the deterministic first stage of the decision
// pipeline: deny lists, velocity caps, time-of-day checks, and amount rules.
//
// The engine is deliberately simple and fast. It keeps short sliding windows
// of recent activity per user and device and produces a Verdict with ordered
// reason flags; the policy layer decides what to do with it.
package rules

import "time"

// Action is the severity a rule can demand. Higher values win; the engine
// only ever upgrades the action as stages run.
type Action int

const (
	Allow Action = iota
	StepUp
	Review
	Block
)

// String returns the wire name for an action.
func (a Action) String() string {
	switch a {
	case Allow:
		return "allow"
	case StepUp:
		return "step_up"
	case Review:
		return "review"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// Verdict is the outcome of a rules evaluation.
type Verdict struct {
	Action      Action    `json:"action"`
	Flags       []string  `json:"flags"` // reason codes, in evaluation order
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Blocked reports whether the verdict demands an immediate block.
func (v *Verdict) Blocked() bool {
	return v.Action == Block
}

// DenyKind identifies which deny list an entry belongs to.
type DenyKind string

const (
	DenyUser     DenyKind = "user"
	DenyDevice   DenyKind = "device"
	DenyIP       DenyKind = "ip"
	DenyMerchant DenyKind = "merchant"
)

// Reason codes raised by the engine, in stage order.
const (
	FlagDeniedUser      = "denied_user"
	FlagDeniedDevice    = "denied_device"
	FlagDeniedIP        = "denied_ip"
	FlagDeniedMerchant  = "denied_merchant"
	FlagVelocityUser1h  = "velocity_user_1h"
	FlagVelocityUser1d  = "velocity_user_1d"
	FlagVelocityDevice  = "velocity_device_1h"
	FlagVelocityHighVal = "velocity_high_value"
	FlagNightWindow     = "time_night_window"
	FlagFirstTxnHigh    = "amount_first_txn_high"
	FlagAmountLarge     = "amount_large"
	FlagAmountUnusual   = "amount_unusual"
)

// flagDescriptions documents every reason code for the ops surface.
var flagDescriptions = map[string]string{
	FlagDeniedUser:      "User is on the deny list",
	FlagDeniedDevice:    "Device is on the deny list",
	FlagDeniedIP:        "IP address is on the deny list",
	FlagDeniedMerchant:  "Merchant is on the deny list",
	FlagVelocityUser1h:  "User exceeded hourly transaction cap",
	FlagVelocityUser1d:  "User exceeded daily transaction cap",
	FlagVelocityDevice:  "Device exceeded hourly transaction cap",
	FlagVelocityHighVal: "Too many high-value transactions in 24h",
	FlagNightWindow:     "Transaction inside the night anomaly window",
	FlagFirstTxnHigh:    "First transaction for user above step-up floor",
	FlagAmountLarge:     "Amount above the large-transaction floor",
	FlagAmountUnusual:   "Amount far above the user's trailing average",
}

// FlagDescriptions returns a copy of the reason-code documentation.
func FlagDescriptions() map[string]string {
	out := make(map[string]string, len(flagDescriptions))
	for k, v := range flagDescriptions {
		out[k] = v
	}
	return out
}
