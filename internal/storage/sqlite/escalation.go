package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/supportrag/backend/internal/storage/models"
	"github.com/supportrag/backend/pkg/logger"
)

func (c *Client) InsertEscalation(ctx context.Context, q *models.EscalatedQuestion) error {
	query := `
		INSERT INTO escalated_questions (id, conversation_id, tenant_id, question, original_answer,
			confidence, team_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.ExecContext(ctx, query,
		q.ID,
		q.ConversationID,
		q.TenantID,
		q.Question,
		q.OriginalAnswer,
		q.Confidence,
		q.TeamID,
		string(q.Status),
		q.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert escalation: %w", err)
	}

	logger.Info("Escalation created",
		zap.String("escalation_id", q.ID),
		zap.String("tenant_id", q.TenantID),
		zap.Float64("confidence", q.Confidence),
	)

	return nil
}

func (c *Client) GetEscalation(ctx context.Context, id string) (*models.EscalatedQuestion, error) {
	query := `
		SELECT id, conversation_id, tenant_id, question, original_answer, confidence,
			team_id, assigned_to, status, resolution, created_at, assigned_at, resolved_at
		FROM escalated_questions WHERE id = ?
	`

	var q models.EscalatedQuestion
	var originalAnswer, teamID, assignedTo, resolution sql.NullString
	var status string
	var createdAt int64
	var assignedAt, resolvedAt sql.NullInt64

	err := c.db.QueryRowContext(ctx, query, id).Scan(
		&q.ID, &q.ConversationID, &q.TenantID, &q.Question, &originalAnswer, &q.Confidence,
		&teamID, &assignedTo, &status, &resolution, &createdAt, &assignedAt, &resolvedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escalation: %w", err)
	}

	q.OriginalAnswer = originalAnswer.String
	q.TeamID = teamID.String
	q.AssignedTo = assignedTo.String
	q.Status = models.EscalationStatus(status)
	q.Resolution = resolution.String
	q.CreatedAt = time.Unix(createdAt, 0)
	if assignedAt.Valid {
		t := time.Unix(assignedAt.Int64, 0)
		q.AssignedAt = &t
	}
	if resolvedAt.Valid {
		t := time.Unix(resolvedAt.Int64, 0)
		q.ResolvedAt = &t
	}

	return &q, nil
}

func (c *Client) ListEscalations(ctx context.Context, tenantID string, status models.EscalationStatus, limit int) ([]models.EscalatedQuestion, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, conversation_id, tenant_id, question, original_answer, confidence,
			team_id, assigned_to, status, created_at
		FROM escalated_questions
		WHERE tenant_id = ?
	`
	args := []interface{}{tenantID}

	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}

	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalations: %w", err)
	}
	defer rows.Close()

	var items []models.EscalatedQuestion
	for rows.Next() {
		var q models.EscalatedQuestion
		var originalAnswer, teamID, assignedTo sql.NullString
		var st string
		var createdAt int64

		err := rows.Scan(&q.ID, &q.ConversationID, &q.TenantID, &q.Question, &originalAnswer,
			&q.Confidence, &teamID, &assignedTo, &st, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		q.OriginalAnswer = originalAnswer.String
		q.TeamID = teamID.String
		q.AssignedTo = assignedTo.String
		q.Status = models.EscalationStatus(st)
		q.CreatedAt = time.Unix(createdAt, 0)
		items = append(items, q)
	}

	return items, rows.Err()
}

func (c *Client) UpdateEscalationStatus(ctx context.Context, id string, status models.EscalationStatus, resolution string) error {
	query := `UPDATE escalated_questions SET status = ?`
	args := []interface{}{string(status)}

	if resolution != "" {
		query += ", resolution = ?"
		args = append(args, resolution)
	}
	if status == models.StatusResolved || status == models.StatusClosed {
		query += ", resolved_at = ?"
		args = append(args, time.Now().Unix())
	}

	query += " WHERE id = ?"
	args = append(args, id)

	_, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update escalation status: %w", err)
	}

	return nil
}

func (c *Client) DefaultTeam(ctx context.Context, tenantID string) (*models.ExpertTeam, error) {
	query := `SELECT id, tenant_id, name, is_default, cursor FROM expert_teams WHERE tenant_id = ? AND is_default = 1`

	var team models.ExpertTeam
	var isDefault int

	err := c.db.QueryRowContext(ctx, query, tenantID).Scan(
		&team.ID, &team.TenantID, &team.Name, &isDefault, &team.Cursor,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get default team: %w", err)
	}

	team.Default = isDefault != 0
	return &team, nil
}

// ActiveMembers returns members of the team together with their count of open
// (assigned or in_progress) escalations.
func (c *Client) ActiveMembers(ctx context.Context, teamID string) ([]models.ExpertTeamMember, error) {
	query := `
		SELECT m.team_id, m.expert_id, m.last_assigned_at,
			(SELECT COUNT(*) FROM escalated_questions e
				WHERE e.assigned_to = m.expert_id AND e.status IN ('assigned', 'in_progress')) AS open_count
		FROM expert_team_members m
		WHERE m.team_id = ? AND m.active = 1
		ORDER BY m.expert_id
	`

	rows, err := c.db.QueryContext(ctx, query, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to get team members: %w", err)
	}
	defer rows.Close()

	var members []models.ExpertTeamMember
	for rows.Next() {
		var m models.ExpertTeamMember
		var lastAssigned int64

		err := rows.Scan(&m.TeamID, &m.ExpertID, &lastAssigned, &m.OpenAssignments)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		m.Active = true
		m.LastAssignedAt = time.Unix(lastAssigned, 0)
		members = append(members, m)
	}

	return members, rows.Err()
}

// TryAssign claims the escalation for the expert by advancing the team cursor
// with a conditional update. Returns false when another assignment got there
// first; the caller re-reads the members and retries.
func (c *Client) TryAssign(ctx context.Context, questionID, teamID, expertID string, cursor int64) (bool, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE expert_teams SET cursor = cursor + 1 WHERE id = ? AND cursor = ?`,
		teamID, cursor,
	)
	if err != nil {
		return false, fmt.Errorf("failed to advance team cursor: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	now := time.Now().Unix()

	_, err = tx.ExecContext(ctx, `
		UPDATE escalated_questions
		SET status = ?, assigned_to = ?, team_id = ?, assigned_at = ?
		WHERE id = ? AND status = ?
	`, string(models.StatusAssigned), expertID, teamID, now, questionID, string(models.StatusPending))
	if err != nil {
		return false, fmt.Errorf("failed to assign escalation: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE expert_team_members SET last_assigned_at = ? WHERE team_id = ? AND expert_id = ?`,
		now, teamID, expertID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update member assignment time: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit assignment: %w", err)
	}

	return true, nil
}

// AssignDirect claims a still-pending escalation for a specific expert (the
// self-assign path). Returns false when the question already left pending.
func (c *Client) AssignDirect(ctx context.Context, questionID, expertID string) (bool, error) {
	res, err := c.db.ExecContext(ctx, `
		UPDATE escalated_questions
		SET status = ?, assigned_to = ?, assigned_at = ?
		WHERE id = ? AND status = ?
	`, string(models.StatusAssigned), expertID, time.Now().Unix(), questionID, string(models.StatusPending))
	if err != nil {
		return false, fmt.Errorf("failed to self-assign escalation: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return affected > 0, nil
}

func (c *Client) InsertExpertResponse(ctx context.Context, r *models.ExpertResponse) error {
	query := `
		INSERT INTO expert_responses (escalated_question_id, expert_id, response_text, added_to_kb, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := c.db.ExecContext(ctx, query,
		r.EscalatedQuestionID,
		r.ExpertID,
		r.ResponseText,
		boolToInt(r.AddedToKB),
		r.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert expert response: %w", err)
	}

	return nil
}
