// Package security implements the platform threat detector: per-source
// behavioral heuristics over API traffic, auth attempts, and data access,
// with automatic blocking of high-severity sources and an ops review queue.
package security

import "time"

// ThreatLevel orders threat severity. High and above auto-block the source.
type ThreatLevel int

const (
	LevelLow ThreatLevel = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

// String returns the wire name for a threat level.
func (l ThreatLevel) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseThreatLevel maps a wire name back to a level. Unknown names map to
// LevelLow.
func ParseThreatLevel(s string) ThreatLevel {
	switch s {
	case "medium":
		return LevelMedium
	case "high":
		return LevelHigh
	case "critical":
		return LevelCritical
	default:
		return LevelLow
	}
}

// ThreatType classifies what the detector saw.
type ThreatType string

const (
	ThreatAPIAbuse            ThreatType = "api_abuse"
	ThreatBruteForce          ThreatType = "brute_force"
	ThreatDataExfiltration    ThreatType = "data_exfiltration"
	ThreatPrivilegeEscalation ThreatType = "privilege_escalation"
	ThreatUnusualAccessTime   ThreatType = "unusual_access_time"
)

// ThreatEvent is a single detected threat.
type ThreatEvent struct {
	ID             string                 `json:"id"`
	Source         string                 `json:"source"`
	Type           ThreatType             `json:"type"`
	Level          ThreatLevel            `json:"level"`
	LevelName      string                 `json:"level_name"`
	Description    string                 `json:"description"`
	Endpoint       string                 `json:"endpoint,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
	RequiresReview bool                   `json:"requires_review"`
	Reviewed       bool                   `json:"reviewed"`
	ReviewedBy     string                 `json:"reviewed_by,omitempty"`
	ReviewNote     string                 `json:"review_note,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// BlockRecord tracks a blocked source. At most one active block per source.
type BlockRecord struct {
	ID          string      `json:"id"`
	Source      string      `json:"source"`
	Reason      string      `json:"reason"`
	Level       ThreatLevel `json:"level"`
	Active      bool        `json:"active"`
	CreatedAt   time.Time   `json:"created_at"`
	UnblockedAt *time.Time  `json:"unblocked_at,omitempty"`
	UnblockedBy string      `json:"unblocked_by,omitempty"`
}

// AuditEntry records an operator action for the audit trail.
type AuditEntry struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RiskProfile summarizes a source's threat history.
type RiskProfile struct {
	Source      string             `json:"source"`
	Score       float64            `json:"score"` // 0..100
	EventCounts map[string]int     `json:"event_counts"`
	ByType      map[ThreatType]int `json:"by_type"`
	LastEventAt *time.Time         `json:"last_event_at,omitempty"`
	Blocked     bool               `json:"blocked"`
}

// DashboardStats aggregates detector activity for the ops dashboard.
type DashboardStats struct {
	TotalEvents    int                `json:"total_events"`
	EventsByLevel  map[string]int     `json:"events_by_level"`
	EventsByType   map[ThreatType]int `json:"events_by_type"`
	PendingReview  int                `json:"pending_review"`
	BlockedSources int                `json:"blocked_sources"`
	TrackedSources int                `json:"tracked_sources"`
	EventsLastHour int                `json:"events_last_hour"`
	GeneratedAt    time.Time          `json:"generated_at"`
}
