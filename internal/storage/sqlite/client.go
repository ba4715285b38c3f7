package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/supportrag/backend/internal/storage/models"
	"github.com/supportrag/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		key_hash TEXT UNIQUE NOT NULL,
		expires_at INTEGER,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (tenant_id) REFERENCES tenants(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash);

	CREATE TABLE IF NOT EXISTS tenant_settings (
		tenant_id TEXT PRIMARY KEY,
		retrieval_weight REAL NOT NULL,
		llm_weight REAL NOT NULL,
		fallback_threshold REAL NOT NULL,
		escalation_threshold REAL NOT NULL,
		fallback_message TEXT NOT NULL,
		enable_vector INTEGER NOT NULL DEFAULT 1,
		FOREIGN KEY (tenant_id) REFERENCES tenants(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS faq_entries (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		question TEXT NOT NULL,
		answer TEXT NOT NULL,
		patterns TEXT,
		category TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (tenant_id) REFERENCES tenants(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_faq_tenant ON faq_entries(tenant_id);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		title TEXT NOT NULL,
		category TEXT,
		tags TEXT,
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (tenant_id) REFERENCES tenants(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_documents_tenant ON documents(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_documents_category ON documents(tenant_id, category);
	CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(tenant_id, content_hash);

	CREATE TABLE IF NOT EXISTS document_chunks (
		id TEXT PRIMARY KEY,
		doc_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (doc_id) REFERENCES documents(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_doc ON document_chunks(doc_id);

	CREATE TABLE IF NOT EXISTS query_log (
		message_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		user_id TEXT,
		query_text TEXT NOT NULL,
		answer_text TEXT,
		retrieval_confidence REAL NOT NULL,
		llm_confidence REAL NOT NULL,
		combined_confidence REAL NOT NULL,
		fallback_used INTEGER NOT NULL DEFAULT 0,
		escalated INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_log_tenant ON query_log(tenant_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_query_log_conv ON query_log(conversation_id);

	CREATE TABLE IF NOT EXISTS query_sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL,
		source_type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		title TEXT,
		snippet TEXT,
		score REAL,
		FOREIGN KEY (message_id) REFERENCES query_log(message_id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_sources_message ON query_sources(message_id);

	CREATE TABLE IF NOT EXISTS feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		helpful INTEGER NOT NULL,
		feedback_text TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_message ON feedback(conversation_id, message_id);

	CREATE TABLE IF NOT EXISTS expert_teams (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		is_default INTEGER NOT NULL DEFAULT 0,
		cursor INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (tenant_id) REFERENCES tenants(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_teams_tenant ON expert_teams(tenant_id);

	CREATE TABLE IF NOT EXISTS expert_team_members (
		team_id TEXT NOT NULL,
		expert_id TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		last_assigned_at INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (team_id, expert_id),
		FOREIGN KEY (team_id) REFERENCES expert_teams(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS escalated_questions (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		question TEXT NOT NULL,
		original_answer TEXT,
		confidence REAL NOT NULL,
		team_id TEXT,
		assigned_to TEXT,
		status TEXT NOT NULL,
		resolution TEXT,
		created_at INTEGER NOT NULL,
		assigned_at INTEGER,
		resolved_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_escalations_tenant ON escalated_questions(tenant_id, status);
	CREATE INDEX IF NOT EXISTS idx_escalations_assignee ON escalated_questions(assigned_to, status);

	CREATE TABLE IF NOT EXISTS expert_responses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		escalated_question_id TEXT NOT NULL,
		expert_id TEXT NOT NULL,
		response_text TEXT NOT NULL,
		added_to_kb INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (escalated_question_id) REFERENCES escalated_questions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_responses_question ON expert_responses(escalated_question_id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// InsertTenant provisions a tenant row. Tenants are normally created by
// operator tooling, not request handlers.
func (c *Client) InsertTenant(ctx context.Context, t *models.Tenant) error {
	query := `INSERT INTO tenants (id, name, created_at) VALUES (?, ?, ?)`

	_, err := c.db.ExecContext(ctx, query, t.ID, t.Name, t.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert tenant: %w", err)
	}
	return nil
}

func (c *Client) GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	query := `SELECT id, tenant_id, key_hash, expires_at, created_at FROM api_keys WHERE key_hash = ?`

	var key models.APIKey
	var expiresAt sql.NullInt64
	var createdAt int64

	err := c.db.QueryRowContext(ctx, query, keyHash).Scan(
		&key.ID,
		&key.TenantID,
		&key.KeyHash,
		&expiresAt,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}

	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		key.ExpiresAt = &t
	}
	key.CreatedAt = time.Unix(createdAt, 0)

	return &key, nil
}

// GetTenantSettings returns nil without error when the tenant has no override
// row; callers fall back to the config defaults.
func (c *Client) GetTenantSettings(ctx context.Context, tenantID string) (*models.TenantSettings, error) {
	query := `
		SELECT tenant_id, retrieval_weight, llm_weight, fallback_threshold,
			escalation_threshold, fallback_message, enable_vector
		FROM tenant_settings WHERE tenant_id = ?
	`

	var s models.TenantSettings
	var enableVector int

	err := c.db.QueryRowContext(ctx, query, tenantID).Scan(
		&s.TenantID,
		&s.RetrievalWeight,
		&s.LLMWeight,
		&s.FallbackThreshold,
		&s.EscalationThreshold,
		&s.FallbackMessage,
		&enableVector,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant settings: %w", err)
	}

	s.EnableVector = enableVector != 0
	return &s, nil
}

func (c *Client) InsertFAQ(ctx context.Context, entry *models.FAQEntry) error {
	patternsJSON, _ := json.Marshal(entry.Patterns)

	query := `
		INSERT INTO faq_entries (id, tenant_id, question, answer, patterns, category, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			question = excluded.question,
			answer = excluded.answer,
			patterns = excluded.patterns,
			updated_at = excluded.updated_at
	`

	_, err := c.db.ExecContext(ctx, query,
		entry.ID,
		entry.TenantID,
		entry.Question,
		entry.Answer,
		string(patternsJSON),
		entry.Category,
		entry.CreatedAt.Unix(),
		entry.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert FAQ entry: %w", err)
	}

	return nil
}

func (c *Client) FAQsByTenant(ctx context.Context, tenantID string) ([]models.FAQEntry, error) {
	query := `SELECT id, tenant_id, question, answer, patterns, category FROM faq_entries WHERE tenant_id = ?`

	rows, err := c.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to get FAQ entries: %w", err)
	}
	defer rows.Close()

	var entries []models.FAQEntry
	for rows.Next() {
		var e models.FAQEntry
		var patternsJSON sql.NullString

		err := rows.Scan(&e.ID, &e.TenantID, &e.Question, &e.Answer, &patternsJSON, &e.Category)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		if patternsJSON.Valid && patternsJSON.String != "" {
			json.Unmarshal([]byte(patternsJSON.String), &e.Patterns)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (c *Client) InsertDocument(ctx context.Context, doc *models.Document) error {
	tagsJSON, _ := json.Marshal(doc.Tags)

	query := `
		INSERT INTO documents (id, tenant_id, title, category, tags, content, content_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			category = excluded.category,
			tags = excluded.tags,
			content = excluded.content,
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at
	`

	_, err := c.db.ExecContext(ctx, query,
		doc.ID,
		doc.TenantID,
		doc.Title,
		doc.Category,
		string(tagsJSON),
		doc.Content,
		doc.ContentHash,
		doc.CreatedAt.Unix(),
		doc.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}

	logger.Debug("Document inserted", zap.String("doc_id", doc.ID), zap.String("tenant_id", doc.TenantID))
	return nil
}

// DocumentByContentHash finds a tenant's document with the given content hash.
// Returns nil when no such document exists.
func (c *Client) DocumentByContentHash(ctx context.Context, tenantID, contentHash string) (*models.Document, error) {
	query := `SELECT id, tenant_id, title, category, tags, content, content_hash FROM documents WHERE tenant_id = ? AND content_hash = ? LIMIT 1`

	var d models.Document
	var tagsJSON sql.NullString
	err := c.db.QueryRowContext(ctx, query, tenantID, contentHash).Scan(
		&d.ID, &d.TenantID, &d.Title, &d.Category, &tagsJSON, &d.Content, &d.ContentHash,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query document by hash: %w", err)
	}

	if tagsJSON.Valid && tagsJSON.String != "" {
		json.Unmarshal([]byte(tagsJSON.String), &d.Tags)
	}
	return &d, nil
}

func (c *Client) InsertChunk(ctx context.Context, chunk *models.DocumentChunk) error {
	query := `INSERT INTO document_chunks (id, doc_id, tenant_id, chunk_index, text, created_at) VALUES (?, ?, ?, ?, ?, ?)`

	_, err := c.db.ExecContext(ctx, query,
		chunk.ID,
		chunk.DocID,
		chunk.TenantID,
		chunk.ChunkIndex,
		chunk.Text,
		chunk.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunk: %w", err)
	}

	return nil
}

// SearchDocuments matches terms against title and content. The tenant filter is
// part of the WHERE clause; category and tags narrow it but never replace it.
func (c *Client) SearchDocuments(ctx context.Context, tenantID string, terms []string, category string, tags []string, limit int) ([]models.Document, error) {
	if limit <= 0 {
		limit = 5
	}

	var sb strings.Builder
	sb.WriteString(`SELECT id, tenant_id, title, category, tags, content FROM documents WHERE tenant_id = ?`)
	args := []interface{}{tenantID}

	if len(terms) > 0 {
		sb.WriteString(" AND (")
		for i, term := range terms {
			if i > 0 {
				sb.WriteString(" OR ")
			}
			sb.WriteString("title LIKE ? OR content LIKE ?")
			pattern := "%" + term + "%"
			args = append(args, pattern, pattern)
		}
		sb.WriteString(")")
	}

	if category != "" {
		sb.WriteString(" AND category = ?")
		args = append(args, category)
	}

	for _, tag := range tags {
		sb.WriteString(" AND tags LIKE ?")
		args = append(args, "%\""+tag+"\"%")
	}

	sb.WriteString(" LIMIT ?")
	args = append(args, limit)

	rows, err := c.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		var d models.Document
		var tagsJSON sql.NullString

		err := rows.Scan(&d.ID, &d.TenantID, &d.Title, &d.Category, &tagsJSON, &d.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		if tagsJSON.Valid && tagsJSON.String != "" {
			json.Unmarshal([]byte(tagsJSON.String), &d.Tags)
		}
		docs = append(docs, d)
	}

	return docs, rows.Err()
}

// InsertQueryLog writes the entry and its sources in one transaction so
// evaluation readers never observe a partial record.
func (c *Client) InsertQueryLog(ctx context.Context, entry *models.QueryLogEntry, sources []models.QuerySource) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO query_log (message_id, conversation_id, tenant_id, user_id, query_text, answer_text,
			retrieval_confidence, llm_confidence, combined_confidence, fallback_used, escalated, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.MessageID,
		entry.ConversationID,
		entry.TenantID,
		entry.UserID,
		entry.QueryText,
		entry.AnswerText,
		entry.RetrievalConfidence,
		entry.LLMConfidence,
		entry.CombinedConfidence,
		boolToInt(entry.FallbackUsed),
		boolToInt(entry.Escalated),
		entry.LatencyMS,
		entry.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert query log entry: %w", err)
	}

	for _, source := range sources {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO query_sources (message_id, source_type, source_id, title, snippet, score)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			entry.MessageID,
			source.SourceType,
			source.SourceID,
			source.Title,
			source.Snippet,
			source.Score,
		)
		if err != nil {
			return fmt.Errorf("failed to insert query source: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit query log: %w", err)
	}

	logger.Info("Query recorded",
		zap.String("message_id", entry.MessageID),
		zap.String("tenant_id", entry.TenantID),
		zap.Float64("combined_confidence", entry.CombinedConfidence),
	)

	return nil
}

func (c *Client) QueryLogSince(ctx context.Context, tenantID string, since time.Time) ([]models.QueryLogEntry, error) {
	query := `
		SELECT message_id, conversation_id, tenant_id, user_id, query_text, answer_text,
			retrieval_confidence, llm_confidence, combined_confidence, fallback_used, escalated, latency_ms, created_at
		FROM query_log
		WHERE tenant_id = ? AND created_at >= ?
		ORDER BY created_at ASC
	`

	rows, err := c.db.QueryContext(ctx, query, tenantID, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to get query log: %w", err)
	}
	defer rows.Close()

	var entries []models.QueryLogEntry
	for rows.Next() {
		var e models.QueryLogEntry
		var userID, answer sql.NullString
		var fallback, escalated int
		var latency sql.NullInt64
		var createdAt int64

		err := rows.Scan(
			&e.MessageID, &e.ConversationID, &e.TenantID, &userID, &e.QueryText, &answer,
			&e.RetrievalConfidence, &e.LLMConfidence, &e.CombinedConfidence, &fallback, &escalated, &latency, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		e.UserID = userID.String
		e.AnswerText = answer.String
		e.FallbackUsed = fallback != 0
		e.Escalated = escalated != 0
		e.LatencyMS = int(latency.Int64)
		e.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// QueryLogExists reports whether the given message belongs to the tenant's
// query log. Feedback may only reference messages the tenant actually served.
func (c *Client) QueryLogExists(ctx context.Context, tenantID, conversationID, messageID string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM query_log
		WHERE tenant_id = ? AND conversation_id = ? AND message_id = ?
	`, tenantID, conversationID, messageID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check query log: %w", err)
	}
	return n > 0, nil
}

func (c *Client) InsertFeedback(ctx context.Context, fb *models.Feedback) error {
	query := `INSERT INTO feedback (conversation_id, message_id, helpful, feedback_text, created_at) VALUES (?, ?, ?, ?, ?)`

	_, err := c.db.ExecContext(ctx, query,
		fb.ConversationID,
		fb.MessageID,
		boolToInt(fb.Helpful),
		fb.Text,
		fb.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store feedback: %w", err)
	}

	logger.Info("Feedback stored",
		zap.String("message_id", fb.MessageID),
		zap.Bool("helpful", fb.Helpful),
	)

	return nil
}

// FeedbackSince is scoped to the tenant through the query_log join; feedback
// rows themselves carry no tenant id.
func (c *Client) FeedbackSince(ctx context.Context, tenantID string, since time.Time) ([]models.Feedback, error) {
	query := `
		SELECT f.id, f.conversation_id, f.message_id, f.helpful, f.feedback_text, f.created_at
		FROM feedback f
		JOIN query_log q ON q.message_id = f.message_id AND q.conversation_id = f.conversation_id
		WHERE q.tenant_id = ? AND q.created_at >= ?
		ORDER BY f.created_at ASC
	`

	rows, err := c.db.QueryContext(ctx, query, tenantID, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to get feedback: %w", err)
	}
	defer rows.Close()

	var items []models.Feedback
	for rows.Next() {
		var f models.Feedback
		var text sql.NullString
		var helpful int
		var createdAt int64

		err := rows.Scan(&f.ID, &f.ConversationID, &f.MessageID, &helpful, &text, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		f.Helpful = helpful != 0
		f.Text = text.String
		f.CreatedAt = time.Unix(createdAt, 0)
		items = append(items, f)
	}

	return items, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
