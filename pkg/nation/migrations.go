package nation

import "github.com/cuemby/bastion/pkg/schema"

// Migrations returns the game schema in version order
func Migrations() []schema.Migration {
	return []schema.Migration{
		{Version: 1, Name: "create_nations", Up: schema.Statements(`
			CREATE TABLE nations (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				name       TEXT NOT NULL UNIQUE COLLATE NOCASE,
				leader_id  TEXT NOT NULL,
				treasury   INTEGER NOT NULL DEFAULT 0 CHECK (treasury >= 0),
				population INTEGER NOT NULL DEFAULT 0 CHECK (population >= 0),
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX idx_nations_leader ON nations (leader_id)`,
		)},
		{Version: 2, Name: "create_alliances", Up: schema.Statements(`
			CREATE TABLE alliances (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				name       TEXT NOT NULL UNIQUE COLLATE NOCASE,
				founded_at TEXT NOT NULL
			)`, `
			CREATE TABLE alliance_members (
				alliance_id INTEGER NOT NULL REFERENCES alliances (id) ON DELETE CASCADE,
				nation_id   INTEGER NOT NULL REFERENCES nations (id) ON DELETE CASCADE,
				joined_at   TEXT NOT NULL,
				PRIMARY KEY (alliance_id, nation_id)
			)`,
		)},
		{Version: 3, Name: "create_wars", Up: schema.Statements(`
			CREATE TABLE wars (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				attacker_id INTEGER NOT NULL REFERENCES nations (id),
				defender_id INTEGER NOT NULL REFERENCES nations (id),
				started_at  TEXT NOT NULL,
				ended_at    TEXT,
				CHECK (attacker_id <> defender_id)
			)`,
		)},
		{Version: 4, Name: "create_loans", Up: schema.Statements(`
			CREATE TABLE loans (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				lender_id   INTEGER NOT NULL REFERENCES nations (id),
				borrower_id INTEGER NOT NULL REFERENCES nations (id),
				principal   INTEGER NOT NULL CHECK (principal > 0),
				rate_bps    INTEGER NOT NULL DEFAULT 0,
				due_at      TEXT NOT NULL,
				repaid_at   TEXT
			)`,
		)},
		{Version: 5, Name: "create_laws", Up: schema.Statements(`
			CREATE TABLE laws (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				nation_id  INTEGER NOT NULL REFERENCES nations (id) ON DELETE CASCADE,
				title      TEXT NOT NULL,
				body       TEXT NOT NULL,
				enacted_at TEXT NOT NULL
			)`,
		)},
		{Version: 6, Name: "create_audit_log", Up: schema.Statements(`
			CREATE TABLE audit_log (
				id          TEXT PRIMARY KEY,
				occurred_at TEXT NOT NULL,
				actor       TEXT NOT NULL,
				action      TEXT NOT NULL,
				target      TEXT NOT NULL DEFAULT '',
				details     TEXT NOT NULL DEFAULT '{}',
				recorded_at TEXT NOT NULL
			)`,
			`CREATE INDEX idx_audit_log_occurred ON audit_log (occurred_at)`,
		)},
	}
}
