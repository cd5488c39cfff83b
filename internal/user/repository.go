package user

import (
	"context"
	"database/sql"
	"errors"

	"social-hub/internal/db"
)

var ErrNotFound = errors.New("user not found")

type Repository struct {
	db *db.Database
}

func NewRepository(database *db.Database) *Repository {
	return &Repository{db: database}
}

// Remember records the identity carried by a token so profiles exist for
// users the hub has only seen through the identity provider.
func (r *Repository) Remember(ctx context.Context, id int64, username string) error {
	query := `INSERT INTO users (id, username) VALUES (?, ?)
        ON CONFLICT (id) DO UPDATE SET username = excluded.username`
	_, err := r.db.Conn.ExecContext(ctx, r.db.Rebind(query), id, username)
	return err
}

// SaveProfile upserts the display fields.
func (r *Repository) SaveProfile(ctx context.Context, p Profile) error {
	query := `INSERT INTO users (id, username, display_name, avatar) VALUES (?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET username = excluded.username,
            display_name = excluded.display_name, avatar = excluded.avatar`
	_, err := r.db.Conn.ExecContext(ctx, r.db.Rebind(query), p.ID, p.Username, p.DisplayName, p.Avatar)
	return err
}

func (r *Repository) Profile(ctx context.Context, id int64) (Profile, error) {
	p := Profile{ID: id}
	query := "SELECT username, display_name, avatar FROM users WHERE id = ?"

	err := r.db.Conn.QueryRowContext(ctx, r.db.Rebind(query), id).Scan(&p.Username, &p.DisplayName, &p.Avatar)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, err
	}
	return p, nil
}

func (r *Repository) SearchUsers(ctx context.Context, query string) ([]Profile, error) {
	// We limit to 10 to keep it fast
	q := `SELECT id, username, display_name, avatar FROM users
        WHERE LOWER(username) LIKE LOWER(?) OR LOWER(display_name) LIKE LOWER(?)
        ORDER BY id LIMIT 10`
	pattern := "%" + query + "%"
	rows, err := r.db.Conn.QueryContext(ctx, r.db.Rebind(q), pattern, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []Profile{}
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.Username, &p.DisplayName, &p.Avatar); err != nil {
			return nil, err
		}
		users = append(users, p)
	}
	return users, rows.Err()
}
