package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/affiliate-engine/affiliate"
)

// =============================================================================
// PARTNERS
// =============================================================================

const partnerColumns = `id, role, status, affiliate_code, name, email, created_at, updated_at`

func (q *queries) CreatePartner(ctx context.Context, p affiliate.Partner) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO partners (`+partnerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(p.ID), string(p.Role), string(p.Status), p.AffiliateCode, p.Name,
		nullString(p.Email), formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return affiliate.ErrDuplicateKey
	}
	return err
}

func (q *queries) GetPartner(ctx context.Context, id affiliate.PartnerID) (*affiliate.Partner, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+partnerColumns+` FROM partners WHERE id = ?`, string(id))
	return scanPartnerRow(row)
}

func (q *queries) GetPartnerByCode(ctx context.Context, code string) (*affiliate.Partner, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+partnerColumns+` FROM partners WHERE affiliate_code = ?`, code)
	return scanPartnerRow(row)
}

func (q *queries) ListPartners(ctx context.Context, filter affiliate.PartnerFilter) ([]affiliate.Partner, error) {
	var w where
	if filter.Role != nil {
		w.add("role = ?", string(*filter.Role))
	}
	if filter.Status != nil {
		w.add("status = ?", string(*filter.Status))
	}
	rows, err := q.db.QueryContext(ctx, `SELECT `+partnerColumns+` FROM partners`+w.String()+` ORDER BY created_at, rowid`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []affiliate.Partner
	for rows.Next() {
		p, err := scanPartnerFrom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (q *queries) UpdatePartnerStatus(ctx context.Context, id affiliate.PartnerID, status affiliate.PartnerStatus, at time.Time) error {
	res, err := q.db.ExecContext(ctx, `UPDATE partners SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(at), string(id))
	if err != nil {
		return err
	}
	return q.mustChange(ctx, res, "partners", "partner", string(id))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPartnerRow(row *sql.Row) (*affiliate.Partner, error) {
	p, err := scanPartnerFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func scanPartnerFrom(s scanner) (*affiliate.Partner, error) {
	var (
		p                    affiliate.Partner
		role, status         string
		email                sql.NullString
		createdAt, updatedAt string
	)
	if err := s.Scan(&p.ID, &role, &status, &p.AffiliateCode, &p.Name, &email, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Role = affiliate.PartnerRole(role)
	p.Status = affiliate.PartnerStatus(status)
	p.Email = email.String

	var err error
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("partner %s created_at: %w", p.ID, err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("partner %s updated_at: %w", p.ID, err)
	}
	return &p, nil
}

// =============================================================================
// RELATIONS
// =============================================================================

const relationColumns = `id, manager_id, agent_id, status, connected_at, disconnected_at`

func (q *queries) CreateRelation(ctx context.Context, r affiliate.Relation) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO relations (`+relationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		string(r.ID), string(r.ManagerID), string(r.AgentID), string(r.Status),
		formatTime(r.ConnectedAt), nullTime(r.DisconnectedAt),
	)
	if isUniqueConstraintError(err) {
		return affiliate.ErrDuplicateKey
	}
	return err
}

func (q *queries) ActiveRelationForAgent(ctx context.Context, agentID affiliate.PartnerID) (*affiliate.Relation, error) {
	rels, err := q.queryRelations(ctx, `WHERE agent_id = ? AND status = ?`, string(agentID), string(affiliate.RelationActive))
	if err != nil || len(rels) == 0 {
		return nil, err
	}
	return &rels[0], nil
}

func (q *queries) ActiveRelationsForManager(ctx context.Context, managerID affiliate.PartnerID) ([]affiliate.Relation, error) {
	return q.queryRelations(ctx, `WHERE manager_id = ? AND status = ?`, string(managerID), string(affiliate.RelationActive))
}

func (q *queries) RelationsForAgent(ctx context.Context, agentID affiliate.PartnerID) ([]affiliate.Relation, error) {
	return q.queryRelations(ctx, `WHERE agent_id = ?`, string(agentID))
}

func (q *queries) EndRelation(ctx context.Context, id affiliate.RelationID, at time.Time) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE relations SET status = ?, disconnected_at = ?
		WHERE id = ? AND status = ?
	`, string(affiliate.RelationEnded), formatTime(at), string(id), string(affiliate.RelationActive))
	if err != nil {
		return false, err
	}
	return q.changed(ctx, res, "relations", "relation", string(id))
}

func (q *queries) queryRelations(ctx context.Context, clause string, args ...any) ([]affiliate.Relation, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+relationColumns+` FROM relations `+clause+` ORDER BY connected_at, rowid`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []affiliate.Relation
	for rows.Next() {
		var (
			r                   affiliate.Relation
			status, connectedAt string
			disconnectedAt      sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.ManagerID, &r.AgentID, &status, &connectedAt, &disconnectedAt); err != nil {
			return nil, err
		}
		r.Status = affiliate.RelationStatus(status)
		if r.ConnectedAt, err = parseTime(connectedAt); err != nil {
			return nil, err
		}
		if r.DisconnectedAt, err = scanNullTime(disconnectedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
