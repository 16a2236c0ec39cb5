package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/warp/affiliate-engine/affiliate"
)

// =============================================================================
// LEADS
// =============================================================================

const leadColumns = `id, customer_name, phone, status, channel, agent_id, manager_id,
	recovered_from, recovered_at, created_at, updated_at`

func (q *queries) CreateLead(ctx context.Context, l affiliate.Lead) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO leads (`+leadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(l.ID), nullString(l.CustomerName), l.Phone, string(l.Status), nullString(l.Channel),
		nullPartner(l.AgentID), nullPartner(l.ManagerID), nullPartner(l.RecoveredFrom), nullTime(l.RecoveredAt),
		formatTime(l.CreatedAt), formatTime(l.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return affiliate.ErrDuplicateKey
	}
	return err
}

func (q *queries) GetLead(ctx context.Context, id affiliate.LeadID) (*affiliate.Lead, error) {
	leads, err := q.queryLeads(ctx, `WHERE id = ?`, string(id))
	if err != nil || len(leads) == 0 {
		return nil, err
	}
	return &leads[0], nil
}

func (q *queries) LeadsByPhone(ctx context.Context, phone string) ([]affiliate.Lead, error) {
	return q.queryLeads(ctx, `WHERE phone = ? ORDER BY created_at DESC, rowid DESC`, phone)
}

func (q *queries) UpdateLeadStatus(ctx context.Context, id affiliate.LeadID, status affiliate.LeadStatus, at time.Time) error {
	res, err := q.db.ExecContext(ctx, `UPDATE leads SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(at), string(id))
	if err != nil {
		return err
	}
	return q.mustChange(ctx, res, "leads", "lead", string(id))
}

// ReassignLeadsToHQ selects the leads first so it can report exactly which
// rows it moved, then clears their pointers with the same condition.
func (q *queries) ReassignLeadsToHQ(ctx context.Context, r affiliate.LeadReassignment) ([]affiliate.LeadID, error) {
	var (
		ors  []string
		args []any
	)
	if r.ManagerID != nil {
		ors = append(ors, "(agent_id IS NULL AND manager_id = ?)")
		args = append(args, string(*r.ManagerID))
	}
	if len(r.AgentIDs) > 0 {
		ors = append(ors, "agent_id IN ("+placeholders(len(r.AgentIDs))+")")
		for _, id := range r.AgentIDs {
			args = append(args, string(id))
		}
	}
	if len(ors) == 0 {
		return nil, nil
	}
	cond := strings.Join(ors, " OR ")

	rows, err := q.db.QueryContext(ctx, `SELECT id FROM leads WHERE `+cond+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, err
	}
	var moved []affiliate.LeadID
	for rows.Next() {
		var id affiliate.LeadID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		moved = append(moved, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(moved) == 0 {
		return nil, nil
	}

	at := formatTime(r.At)
	update := append([]any{string(r.RecoveredFrom), at, at}, args...)
	if _, err := q.db.ExecContext(ctx, `
		UPDATE leads SET agent_id = NULL, manager_id = NULL,
			recovered_from = ?, recovered_at = ?, updated_at = ?
		WHERE `+cond, update...); err != nil {
		return nil, err
	}
	return moved, nil
}

func (q *queries) ListLeads(ctx context.Context, filter affiliate.LeadFilter) ([]affiliate.Lead, error) {
	var w where
	if filter.AgentID != nil {
		w.add("agent_id = ?", string(*filter.AgentID))
	}
	if filter.ManagerID != nil {
		w.add("manager_id = ?", string(*filter.ManagerID))
	}
	if filter.Phone != "" {
		w.add("phone = ?", filter.Phone)
	}
	if filter.Status != nil {
		w.add("status = ?", string(*filter.Status))
	}
	return q.queryLeads(ctx, w.String()+` ORDER BY created_at, rowid`, w.args...)
}

func (q *queries) CountLeads(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM leads`).Scan(&n)
	return n, err
}

func (q *queries) queryLeads(ctx context.Context, clause string, args ...any) ([]affiliate.Lead, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+leadColumns+` FROM leads `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []affiliate.Lead
	for rows.Next() {
		var (
			l                                 affiliate.Lead
			status                            string
			name, channel                     sql.NullString
			agentID, managerID, recoveredFrom sql.NullString
			recoveredAt                       sql.NullString
			createdAt, updatedAt              string
		)
		if err := rows.Scan(&l.ID, &name, &l.Phone, &status, &channel, &agentID, &managerID,
			&recoveredFrom, &recoveredAt, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		l.CustomerName = name.String
		l.Channel = channel.String
		l.Status = affiliate.LeadStatus(status)
		l.AgentID = scanPartner(agentID)
		l.ManagerID = scanPartner(managerID)
		l.RecoveredFrom = scanPartner(recoveredFrom)
		if l.RecoveredAt, err = scanNullTime(recoveredAt); err != nil {
			return nil, err
		}
		if l.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if l.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
