package models

import "time"

type Tenant struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// APIKey stores only the sha256 of the credential. ExpiresAt nil means the key
// never expires.
type APIKey struct {
	ID        string
	TenantID  string
	KeyHash   string
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// TenantSettings overrides the config-level pipeline defaults for one tenant.
type TenantSettings struct {
	TenantID            string
	RetrievalWeight     float64
	LLMWeight           float64
	FallbackThreshold   float64
	EscalationThreshold float64
	FallbackMessage     string
	EnableVector        bool
}

type FAQEntry struct {
	ID        string
	TenantID  string
	Question  string
	Answer    string
	Patterns  []string
	Category  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Document struct {
	ID          string
	TenantID    string
	Title       string
	Category    string
	Tags        []string
	Content     string
	ContentHash string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type DocumentChunk struct {
	ID         string
	DocID      string
	TenantID   string
	ChunkIndex int
	Text       string
	CreatedAt  time.Time
}

// QueryLogEntry is written exactly once per query after the full response is
// computed, and never updated afterwards.
type QueryLogEntry struct {
	MessageID           string
	ConversationID      string
	TenantID            string
	UserID              string
	QueryText           string
	AnswerText          string
	RetrievalConfidence float64
	LLMConfidence       float64
	CombinedConfidence  float64
	FallbackUsed        bool
	Escalated           bool
	LatencyMS           int
	CreatedAt           time.Time
}

type QuerySource struct {
	ID         int64
	MessageID  string
	SourceType string
	SourceID   string
	Title      string
	Snippet    string
	Score      float64
}

type Feedback struct {
	ID             int64
	ConversationID string
	MessageID      string
	Helpful        bool
	Text           string
	CreatedAt      time.Time
}

type EscalationStatus string

const (
	StatusPending    EscalationStatus = "pending"
	StatusAssigned   EscalationStatus = "assigned"
	StatusInProgress EscalationStatus = "in_progress"
	StatusResolved   EscalationStatus = "resolved"
	StatusClosed     EscalationStatus = "closed"
)

type EscalatedQuestion struct {
	ID             string
	ConversationID string
	TenantID       string
	Question       string
	OriginalAnswer string
	Confidence     float64
	TeamID         string
	AssignedTo     string
	Status         EscalationStatus
	Resolution     string
	CreatedAt      time.Time
	AssignedAt     *time.Time
	ResolvedAt     *time.Time
}

type ExpertTeam struct {
	ID       string
	TenantID string
	Name     string
	Default  bool
	// Cursor is bumped with a conditional update on every assignment so two
	// concurrent escalations cannot claim the same "next" expert.
	Cursor int64
}

type ExpertTeamMember struct {
	TeamID          string
	ExpertID        string
	Active          bool
	LastAssignedAt  time.Time
	OpenAssignments int
}

type ExpertResponse struct {
	ID                  int64
	EscalatedQuestionID string
	ExpertID            string
	ResponseText        string
	AddedToKB           bool
	CreatedAt           time.Time
}
