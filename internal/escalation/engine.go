package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/supportrag/backend/internal/storage/models"
	"github.com/supportrag/backend/pkg/logger"
)

var (
	ErrNotFound          = errors.New("escalation not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNoTeam            = errors.New("no expert team configured for tenant")
)

// Store is the escalation persistence capability; *sqlite.Client satisfies it.
type Store interface {
	InsertEscalation(ctx context.Context, q *models.EscalatedQuestion) error
	GetEscalation(ctx context.Context, id string) (*models.EscalatedQuestion, error)
	ListEscalations(ctx context.Context, tenantID string, status models.EscalationStatus, limit int) ([]models.EscalatedQuestion, error)
	UpdateEscalationStatus(ctx context.Context, id string, status models.EscalationStatus, resolution string) error
	AssignDirect(ctx context.Context, questionID, expertID string) (bool, error)
	DefaultTeam(ctx context.Context, tenantID string) (*models.ExpertTeam, error)
	ActiveMembers(ctx context.Context, teamID string) ([]models.ExpertTeamMember, error)
	TryAssign(ctx context.Context, questionID, teamID, expertID string, cursor int64) (bool, error)
	InsertExpertResponse(ctx context.Context, r *models.ExpertResponse) error
}

// KBPromoter turns a resolved escalation into a retrievable FAQ entry. The
// write path into the knowledge base lives behind this boundary.
type KBPromoter interface {
	PromoteToKB(ctx context.Context, tenantID, question, answer string) error
}

var transitions = map[models.EscalationStatus][]models.EscalationStatus{
	models.StatusPending:    {models.StatusAssigned, models.StatusClosed},
	models.StatusAssigned:   {models.StatusInProgress, models.StatusResolved, models.StatusClosed},
	models.StatusInProgress: {models.StatusResolved, models.StatusClosed},
}

func canTransition(from, to models.EscalationStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

type Engine struct {
	store         Store
	promoter      KBPromoter
	notifier      *Notifier
	assignRetries int
}

func NewEngine(store Store, promoter KBPromoter, notifier *Notifier, assignRetries int) *Engine {
	if assignRetries <= 0 {
		assignRetries = 3
	}
	return &Engine{
		store:         store,
		promoter:      promoter,
		notifier:      notifier,
		assignRetries: assignRetries,
	}
}

// Request carries what the pipeline knows about a low-confidence answer.
type Request struct {
	ConversationID string
	TenantID       string
	Question       string
	OriginalAnswer string
	Confidence     float64
}

// Escalate creates the pending record, then assigns it round-robin across the
// tenant's default team. Assignment failure leaves the record pending; the
// caller treats the whole operation as best-effort.
func (e *Engine) Escalate(ctx context.Context, req Request) (*models.EscalatedQuestion, error) {
	q := &models.EscalatedQuestion{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		TenantID:       req.TenantID,
		Question:       req.Question,
		OriginalAnswer: req.OriginalAnswer,
		Confidence:     req.Confidence,
		Status:         models.StatusPending,
		CreatedAt:      time.Now(),
	}

	if err := e.store.InsertEscalation(ctx, q); err != nil {
		return nil, fmt.Errorf("failed to create escalation: %w", err)
	}

	if err := e.assign(ctx, q); err != nil {
		logger.Warn("Escalation left unassigned",
			zap.String("escalation_id", q.ID),
			zap.String("tenant_id", q.TenantID),
			zap.Error(err),
		)
	}

	if e.notifier != nil {
		e.notifier.Publish(Event{
			Type:       EventCreated,
			TenantID:   q.TenantID,
			Escalation: *q,
		})
	}

	return q, nil
}

func (e *Engine) assign(ctx context.Context, q *models.EscalatedQuestion) error {
	for attempt := 0; attempt < e.assignRetries; attempt++ {
		team, err := e.store.DefaultTeam(ctx, q.TenantID)
		if err != nil {
			return fmt.Errorf("failed to resolve team: %w", err)
		}
		if team == nil {
			return ErrNoTeam
		}

		members, err := e.store.ActiveMembers(ctx, team.ID)
		if err != nil {
			return fmt.Errorf("failed to list team members: %w", err)
		}
		if len(members) == 0 {
			return fmt.Errorf("team %s has no active members", team.ID)
		}

		expert := pickExpert(members)

		claimed, err := e.store.TryAssign(ctx, q.ID, team.ID, expert, team.Cursor)
		if err != nil {
			return fmt.Errorf("failed to assign: %w", err)
		}
		if !claimed {
			// Lost the cursor race to a concurrent escalation; re-read and
			// pick again so load stays balanced.
			continue
		}

		now := time.Now()
		q.TeamID = team.ID
		q.AssignedTo = expert
		q.Status = models.StatusAssigned
		q.AssignedAt = &now

		logger.Info("Escalation assigned",
			zap.String("escalation_id", q.ID),
			zap.String("expert_id", expert),
			zap.String("team_id", team.ID),
		)

		return nil
	}

	return fmt.Errorf("assignment contended %d times, giving up", e.assignRetries)
}

// pickExpert chooses the member with the fewest open assignments, breaking
// ties by least recently assigned, then by id for determinism.
func pickExpert(members []models.ExpertTeamMember) string {
	best := members[0]
	for _, m := range members[1:] {
		if m.OpenAssignments < best.OpenAssignments {
			best = m
			continue
		}
		if m.OpenAssignments > best.OpenAssignments {
			continue
		}
		if m.LastAssignedAt.Before(best.LastAssignedAt) {
			best = m
			continue
		}
		if m.LastAssignedAt.Equal(best.LastAssignedAt) && m.ExpertID < best.ExpertID {
			best = m
		}
	}
	return best.ExpertID
}

// SelfAssign lets an expert claim a pending escalation directly.
func (e *Engine) SelfAssign(ctx context.Context, id, expertID string) (*models.EscalatedQuestion, error) {
	q, err := e.store.GetEscalation(ctx, id)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, ErrNotFound
	}
	if !canTransition(q.Status, models.StatusAssigned) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, q.Status, models.StatusAssigned)
	}

	claimed, err := e.store.AssignDirect(ctx, id, expertID)
	if err != nil {
		return nil, fmt.Errorf("failed to self-assign: %w", err)
	}
	if !claimed {
		return nil, fmt.Errorf("%w: escalation is no longer pending", ErrInvalidTransition)
	}

	updated, err := e.store.GetEscalation(ctx, id)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, ErrNotFound
	}

	if e.notifier != nil {
		e.notifier.Publish(Event{Type: EventAssigned, TenantID: updated.TenantID, Escalation: *updated})
	}

	return updated, nil
}

// Start moves an assigned escalation to in_progress.
func (e *Engine) Start(ctx context.Context, id string) error {
	q, err := e.store.GetEscalation(ctx, id)
	if err != nil {
		return err
	}
	if q == nil {
		return ErrNotFound
	}
	if !canTransition(q.Status, models.StatusInProgress) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, q.Status, models.StatusInProgress)
	}

	return e.store.UpdateEscalationStatus(ctx, id, models.StatusInProgress, "")
}

// Respond records the expert's answer and resolves the escalation. The most
// recent response is the resolution; earlier ones remain as history. With
// addToKB set, the Q&A pair is promoted into the knowledge base best-effort.
func (e *Engine) Respond(ctx context.Context, id, expertID, responseText string, addToKB bool) error {
	q, err := e.store.GetEscalation(ctx, id)
	if err != nil {
		return err
	}
	if q == nil {
		return ErrNotFound
	}
	if !canTransition(q.Status, models.StatusResolved) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, q.Status, models.StatusResolved)
	}

	err = e.store.InsertExpertResponse(ctx, &models.ExpertResponse{
		EscalatedQuestionID: id,
		ExpertID:            expertID,
		ResponseText:        responseText,
		AddedToKB:           addToKB,
		CreatedAt:           time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to record expert response: %w", err)
	}

	if err := e.store.UpdateEscalationStatus(ctx, id, models.StatusResolved, responseText); err != nil {
		return fmt.Errorf("failed to resolve escalation: %w", err)
	}

	if addToKB && e.promoter != nil {
		if err := e.promoter.PromoteToKB(ctx, q.TenantID, q.Question, responseText); err != nil {
			logger.Warn("Failed to promote expert response to KB",
				zap.String("escalation_id", id),
				zap.Error(err),
			)
		}
	}

	if e.notifier != nil {
		// Publish the post-transition record, not the snapshot read above.
		resolved := *q
		resolved.Status = models.StatusResolved
		resolved.Resolution = responseText
		now := time.Now()
		resolved.ResolvedAt = &now
		e.notifier.Publish(Event{Type: EventResolved, TenantID: q.TenantID, Escalation: resolved})
	}

	logger.Info("Escalation resolved",
		zap.String("escalation_id", id),
		zap.String("expert_id", expertID),
		zap.Bool("added_to_kb", addToKB),
	)

	return nil
}

// Close terminates an escalation without a resolution.
func (e *Engine) Close(ctx context.Context, id string) error {
	q, err := e.store.GetEscalation(ctx, id)
	if err != nil {
		return err
	}
	if q == nil {
		return ErrNotFound
	}
	if !canTransition(q.Status, models.StatusClosed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, q.Status, models.StatusClosed)
	}

	return e.store.UpdateEscalationStatus(ctx, id, models.StatusClosed, "")
}

func (e *Engine) List(ctx context.Context, tenantID string, status models.EscalationStatus, limit int) ([]models.EscalatedQuestion, error) {
	return e.store.ListEscalations(ctx, tenantID, status, limit)
}

func (e *Engine) Get(ctx context.Context, id string) (*models.EscalatedQuestion, error) {
	q, err := e.store.GetEscalation(ctx, id)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, ErrNotFound
	}
	return q, nil
}
