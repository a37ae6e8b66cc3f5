package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Role is the role of an authenticated principal supplied by the identity provider.
type Role string

const (
	RoleVolunteer    Role = "volunteer"
	RoleOrganization Role = "organization"
	RoleAdmin        Role = "admin"
)

// Principal is the authenticated caller. The engine only consumes role and ID.
type Principal struct {
	ID   int64 `json:"id"`
	Role Role  `json:"role"`
}

// SystemPrincipal is used for mutations not attributable to a user.
var SystemPrincipal = Principal{ID: 0, Role: "system"}

// String renders the principal as an audit actor, e.g. "organization:12".
func (p Principal) String() string {
	if p.Role == "system" || p.Role == "" {
		return "system"
	}
	return string(p.Role) + ":" + strconv.FormatInt(p.ID, 10)
}

type Resume struct {
	ID               int64     `json:"id"`
	OwnerID          int64     `json:"owner_id"`
	OriginalFilename string    `json:"original_filename"`
	ExtractedText    string    `json:"extracted_text,omitempty"`
	Active           bool      `json:"active"`
	Uploaded         time.Time `json:"uploaded"`
	Updated          time.Time `json:"updated"`
}

// HasText reports whether text extraction produced something scorable.
func (r *Resume) HasText() bool {
	return r != nil && strings.TrimSpace(r.ExtractedText) != ""
}

type Opportunity struct {
	ID             int64      `json:"id"`
	OrgID          int64      `json:"org_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	RequiredSkills string     `json:"required_skills"`
	Active         bool       `json:"active"`
	EndDate        *time.Time `json:"end_date,omitempty"`
	Created        time.Time  `json:"created"`
	Updated        time.Time  `json:"updated"`
}

// ScoringText is the opportunity text sent to the scoring oracle.
func (o *Opportunity) ScoringText() string {
	if o == nil {
		return ""
	}
	var b strings.Builder
	if t := strings.TrimSpace(o.Title); t != "" {
		b.WriteString("Position: ")
		b.WriteString(t)
		b.WriteString("\n")
	}
	if d := strings.TrimSpace(o.Description); d != "" {
		b.WriteString("Description: ")
		b.WriteString(d)
		b.WriteString("\n")
	}
	if s := strings.TrimSpace(o.RequiredSkills); s != "" {
		b.WriteString("Required Skills: ")
		b.WriteString(s)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// CandidateStatus is the organization-assigned disposition of a resume against one opportunity.
type CandidateStatus string

const (
	StatusPending    CandidateStatus = "pending"
	StatusAccepted   CandidateStatus = "accepted"
	StatusRejected   CandidateStatus = "rejected"
	StatusWaitlisted CandidateStatus = "waitlisted"
)

// ParseCandidateStatus normalises user input. "waitlist" is accepted as an alias.
func ParseCandidateStatus(s string) (CandidateStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return StatusPending, nil
	case "accepted":
		return StatusAccepted, nil
	case "rejected":
		return StatusRejected, nil
	case "waitlisted", "waitlist":
		return StatusWaitlisted, nil
	}
	return "", fmt.Errorf("unknown candidate status %q", s)
}

// Decided reports whether the status is one an organization may assign.
func (s CandidateStatus) Decided() bool {
	return s == StatusAccepted || s == StatusRejected || s == StatusWaitlisted
}

// ScoreRecord joins a resume and an opportunity. At most one exists per pair.
type ScoreRecord struct {
	ID             int64           `json:"id"`
	ResumeID       int64           `json:"resume_id"`
	OpportunityID  int64           `json:"opportunity_id"`
	Overall        float64         `json:"overall"`
	Skills         float64         `json:"skills"`
	Experience     float64         `json:"experience"`
	Education      float64         `json:"education"`
	Grade          string          `json:"grade"`
	Recommendation string          `json:"recommendation,omitempty"`
	KeyStrength    string          `json:"key_strength,omitempty"`
	Concerns       string          `json:"concerns,omitempty"`
	Model          string          `json:"model,omitempty"`
	Status         CandidateStatus `json:"status"`
	StatusUpdated  *time.Time      `json:"status_updated,omitempty"`
	StatusBy       *int64          `json:"status_by,omitempty"`
	ComputedAt     time.Time       `json:"computed_at"`
}

// Candidate is a score record seen from the opportunity side.
type Candidate struct {
	ScoreRecord
	ResumeOwnerID   int64 `json:"resume_owner_id"`
	PlacedElsewhere bool  `json:"placed_elsewhere"`
}

// UpsertResult describes the outcome of writing a score record.
type UpsertResult struct {
	ID      int64
	Created bool
	// Applied is false when a newer computation already owns the row.
	Applied bool
}

type EntityKind string

const (
	EntityResume      EntityKind = "resume"
	EntityOpportunity EntityKind = "opportunity"
	EntityScoreRecord EntityKind = "score_record"
)

type AuditAction string

const (
	ActionCreated AuditAction = "created"
	ActionUpdated AuditAction = "updated"
	ActionDeleted AuditAction = "deleted"
)

// AuditEntry is an immutable change-log row.
type AuditEntry struct {
	ID         int64       `json:"id"`
	EventID    string      `json:"event_id"`
	EntityKind EntityKind  `json:"entity_kind"`
	EntityID   int64       `json:"entity_id"`
	Action     AuditAction `json:"action"`
	Actor      string      `json:"actor"`
	Summary    string      `json:"summary,omitempty"`
	Created    time.Time   `json:"created"`
}

// AuditFilter narrows audit listings. Zero values match everything.
type AuditFilter struct {
	EntityKind EntityKind
	EntityID   int64
	Limit      int
}

// ScoringStats summarises scoring coverage for administrators.
type ScoringStats struct {
	Resumes             int64                     `json:"resumes"`
	ResumesWithText     int64                     `json:"resumes_with_text"`
	Opportunities       int64                     `json:"opportunities"`
	ActiveOpportunities int64                     `json:"active_opportunities"`
	ScoreRecords        int64                     `json:"score_records"`
	ByStatus            map[CandidateStatus]int64 `json:"by_status"`
	UnscoredPairs       int64                     `json:"unscored_pairs"`
}

// PairRef names a (resume, opportunity) pair without loading either side.
type PairRef struct {
	ResumeID      int64 `json:"resume_id"`
	OpportunityID int64 `json:"opportunity_id"`
}

type BackgroundJob struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Priority    int             `json:"priority"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	NextTryAt   *time.Time      `json:"next_try_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Created     time.Time       `json:"created"`
	Updated     time.Time       `json:"updated"`
}
