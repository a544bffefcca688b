package membership

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var identRE = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Postgres reads membership from <schema>.workspace_members and
// <schema>.conversation_members. Both tables are owned by the host product.
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures Postgres behavior.
type PostgresOption func(*Postgres) error

// WithPostgresSchema sets the schema holding the membership tables (default: "herald").
func WithPostgresSchema(schema string) PostgresOption {
	return func(p *Postgres) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("membership: empty schema")
		}
		if !identRE.MatchString(schema) {
			return errors.New("membership: invalid schema identifier")
		}
		p.schema = schema
		return nil
	}
}

func NewPostgres(pool *pgxpool.Pool, opts ...PostgresOption) (*Postgres, error) {
	p := &Postgres{pool: pool, schema: "herald"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if p.pool == nil {
		return nil, errors.New("membership: nil pool")
	}
	return p, nil
}

func (p *Postgres) table(name string) string {
	return pgx.Identifier{p.schema, name}.Sanitize()
}

// Migrate creates the membership tables when they do not exist yet.
// Deployments that share a product database usually skip this.
func (p *Postgres) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{p.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + p.table("workspace_members") + ` (
			workspace_id TEXT NOT NULL,
			user_id      TEXT NOT NULL,
			PRIMARY KEY (workspace_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS workspace_members_user_idx ON ` + p.table("workspace_members") + ` (user_id)`,
		`CREATE TABLE IF NOT EXISTS ` + p.table("conversation_members") + ` (
			conversation_id TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			PRIMARY KEY (conversation_id, user_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("membership: migrate: %w", err)
		}
	}
	return nil
}

func (p *Postgres) WorkspaceMembers(ctx context.Context, workspaceID string) ([]string, error) {
	id, err := requireID("workspace members", "workspace id", workspaceID)
	if err != nil {
		return nil, err
	}
	return p.column(ctx, `SELECT user_id FROM `+p.table("workspace_members")+` WHERE workspace_id = $1 ORDER BY user_id`, id)
}

func (p *Postgres) ConversationMembers(ctx context.Context, conversationID string) ([]string, error) {
	id, err := requireID("conversation members", "conversation id", conversationID)
	if err != nil {
		return nil, err
	}
	return p.column(ctx, `SELECT user_id FROM `+p.table("conversation_members")+` WHERE conversation_id = $1 ORDER BY user_id`, id)
}

func (p *Postgres) WorkspacesOf(ctx context.Context, userID string) ([]string, error) {
	id, err := requireID("workspaces of", "user id", userID)
	if err != nil {
		return nil, err
	}
	return p.column(ctx, `SELECT workspace_id FROM `+p.table("workspace_members")+` WHERE user_id = $1 ORDER BY workspace_id`, id)
}

func (p *Postgres) IsWorkspaceMember(ctx context.Context, userID, workspaceID string) (bool, error) {
	uid, err := requireID("is workspace member", "user id", userID)
	if err != nil {
		return false, err
	}
	wid, err := requireID("is workspace member", "workspace id", workspaceID)
	if err != nil {
		return false, err
	}

	var one int
	err = p.pool.QueryRow(ctx,
		`SELECT 1 FROM `+p.table("workspace_members")+` WHERE workspace_id = $1 AND user_id = $2`,
		wid, uid,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return true, nil
}

// AddWorkspaceMember and AddConversationMember seed tables for local setups and tests.
func (p *Postgres) AddWorkspaceMember(ctx context.Context, workspaceID, userID string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO `+p.table("workspace_members")+` (workspace_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		workspaceID, userID)
	return err
}

func (p *Postgres) AddConversationMember(ctx context.Context, conversationID, userID string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO `+p.table("conversation_members")+` (conversation_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		conversationID, userID)
	return err
}

func (p *Postgres) column(ctx context.Context, query, arg string) ([]string, error) {
	rows, err := p.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}
