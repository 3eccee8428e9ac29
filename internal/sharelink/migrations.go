package sharelink

import (
	"database/sql"

	"github.com/HerbHall/genwatch/internal/store"
)

// Timestamps are stored as Unix seconds so validity checks compare integers.
var migrations = []store.Migration{
	{
		Version:     1,
		Description: "create share_links table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE share_links (
					id          INTEGER PRIMARY KEY AUTOINCREMENT,
					token_hash  TEXT NOT NULL UNIQUE,
					label       TEXT NOT NULL DEFAULT '',
					scope_type  TEXT NOT NULL CHECK (scope_type IN ('all', 'site')),
					scope_id    TEXT,
					role        TEXT NOT NULL DEFAULT 'viewer',
					max_uses    INTEGER,
					use_count   INTEGER NOT NULL DEFAULT 0,
					created_at  INTEGER NOT NULL,
					expires_at  INTEGER,
					revoked_at  INTEGER,
					created_by  TEXT NOT NULL DEFAULT ''
				)`)
			return err
		},
	},
	{
		Version:     2,
		Description: "index share_links by scope",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE INDEX idx_share_links_scope ON share_links(scope_type, scope_id)`)
			return err
		},
	},
}
