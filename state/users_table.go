package state

import (
	"time"

	"github.com/jmoiron/sqlx"
)

// UserRow mirrors the durable user entity. The presence core only owns the
// last_seen column; everything else belongs to the user-persistence layer and
// is read here solely to serve the admin listing view.
type UserRow struct {
	ID        string     `db:"id"`
	Email     string     `db:"email"`
	Role      string     `db:"role"`
	CreatedAt time.Time  `db:"created_at"`
	LastSeen  *time.Time `db:"last_seen"`
}

type UsersTable struct {
	db *sqlx.DB
}

func NewUsersTable(db *sqlx.DB) *UsersTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS presence_users (
		id TEXT NOT NULL PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		role TEXT NOT NULL DEFAULT 'user',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_seen TIMESTAMPTZ
	);
	`)
	return &UsersTable{db}
}

// UpdateLastSeen overwrites the durable last-seen timestamp for this user,
// reporting whether a row was affected. An unknown user is not an error:
// reconciliation can race with user deletion.
func (t *UsersTable) UpdateLastSeen(userID string, ts time.Time) (bool, error) {
	res, err := t.db.Exec(`UPDATE presence_users SET last_seen=$1 WHERE id=$2`, ts, userID)
	if err != nil {
		return false, err
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return ra > 0, nil
}

// SelectAllUsers returns every user, newest first, for the presence listing.
func (t *UsersTable) SelectAllUsers() ([]UserRow, error) {
	var rows []UserRow
	err := t.db.Select(&rows, `
	SELECT id, email, role, created_at, last_seen FROM presence_users ORDER BY created_at DESC`)
	return rows, err
}

// InsertUser seeds a user row. User CRUD is owned externally; this exists for
// tests and local bootstrapping.
func (t *UsersTable) InsertUser(id, email, role string) error {
	_, err := t.db.Exec(
		`INSERT INTO presence_users(id, email, role) VALUES($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		id, email, role,
	)
	return err
}
