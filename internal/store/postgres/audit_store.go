package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// AuditStore records administrative changes and engine housekeeping in the
// audit_log table. The actor column holds the signing administrator and is
// NULL for engine-initiated actions such as archiving.
type AuditStore struct {
	pool *pgxpool.Pool
}

// Compile-time interface check.
var _ domain.AuditStore = (*AuditStore)(nil)

// NewAuditStore creates an AuditStore backed by the given connection pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Record appends ev after validating it.
func (s *AuditStore) Record(ctx context.Context, ev domain.AuditEvent) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("postgres: record audit: %w", err)
	}
	var detail []byte
	if len(ev.Detail) > 0 {
		var err error
		if detail, err = json.Marshal(ev.Detail); err != nil {
			return fmt.Errorf("postgres: marshal audit detail for %s: %w", ev.Action, err)
		}
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (action, actor, detail) VALUES ($1, $2, $3)`,
		string(ev.Action), actorColumn(ev.Actor), detail,
	); err != nil {
		return fmt.Errorf("postgres: record audit %s: %w", ev.Action, err)
	}
	return nil
}

// List returns events newest first.
func (s *AuditStore) List(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEvent, error) {
	query, args := auditQuery(f)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit: %w", err)
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		var (
			id        int64
			action    string
			actor     *string
			detail    []byte
			createdAt time.Time
		)
		if err := rows.Scan(&id, &action, &actor, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit: %w", err)
		}
		ev, err := auditRow(id, action, actor, detail, createdAt)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list audit rows: %w", err)
	}
	return events, nil
}

// actorColumn stores the zero address as NULL.
func actorColumn(a common.Address) *string {
	if a == (common.Address{}) {
		return nil
	}
	hex := a.Hex()
	return &hex
}

func auditRow(id int64, action string, actor *string, detail []byte, createdAt time.Time) (domain.AuditEvent, error) {
	ev := domain.AuditEvent{
		ID:        id,
		Action:    domain.AuditAction(action),
		CreatedAt: createdAt,
	}
	if actor != nil {
		ev.Actor = common.HexToAddress(*actor)
	}
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &ev.Detail); err != nil {
			return domain.AuditEvent{}, fmt.Errorf("postgres: audit %d detail: %w", id, err)
		}
	}
	return ev, nil
}

// auditQuery builds the filtered listing. Actor matches are exact on the
// checksummed hex form written by Record.
func auditQuery(f domain.AuditFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Action != "" {
		where = append(where, "action = "+arg(string(f.Action)))
	}
	if f.Actor != nil {
		where = append(where, "actor = "+arg(f.Actor.Hex()))
	}
	if f.Since != nil {
		where = append(where, "created_at >= "+arg(*f.Since))
	}
	if f.Until != nil {
		where = append(where, "created_at <= "+arg(*f.Until))
	}

	var b strings.Builder
	b.WriteString("SELECT id, action, actor, detail, created_at FROM audit_log")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, id DESC")
	if f.Limit > 0 {
		b.WriteString(" LIMIT " + arg(f.Limit))
	}
	if f.Offset > 0 {
		b.WriteString(" OFFSET " + arg(f.Offset))
	}
	return b.String(), args
}
