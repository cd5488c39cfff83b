// Package group resolves group rosters for fan-out. Group CRUD lives
// elsewhere; membership rows are written by that service.
package group

import (
	"context"

	"social-hub/internal/db"
)

type Repository struct {
	db *db.Database
}

func NewRepository(database *db.Database) *Repository {
	return &Repository{db: database}
}

// Members returns the user ids of a group, ascending.
func (r *Repository) Members(ctx context.Context, groupID int64) ([]int64, error) {
	query := "SELECT user_id FROM group_members WHERE group_id = ? ORDER BY user_id"
	rows, err := r.db.Conn.QueryContext(ctx, r.db.Rebind(query), groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// AddMember and RemoveMember seed membership for tests and local fixtures;
// production rows come from the group service.
func (r *Repository) AddMember(ctx context.Context, groupID, userID int64) error {
	query := `INSERT INTO group_members (group_id, user_id) VALUES (?, ?)
        ON CONFLICT (group_id, user_id) DO NOTHING`
	_, err := r.db.Conn.ExecContext(ctx, r.db.Rebind(query), groupID, userID)
	return err
}

func (r *Repository) RemoveMember(ctx context.Context, groupID, userID int64) error {
	query := "DELETE FROM group_members WHERE group_id = ? AND user_id = ?"
	_, err := r.db.Conn.ExecContext(ctx, r.db.Rebind(query), groupID, userID)
	return err
}

func (r *Repository) IsMember(ctx context.Context, groupID, userID int64) (bool, error) {
	var n int
	query := "SELECT COUNT(*) FROM group_members WHERE group_id = ? AND user_id = ?"
	if err := r.db.Conn.QueryRowContext(ctx, r.db.Rebind(query), groupID, userID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
