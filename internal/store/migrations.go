package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id     TEXT NOT NULL,
	id          TEXT NOT NULL,
	server_id   TEXT NOT NULL DEFAULT '',
	message     TEXT NOT NULL,
	topic_name  TEXT NOT NULL DEFAULT '',
	post_id     TEXT NOT NULL DEFAULT '',
	read        INTEGER NOT NULL DEFAULT 0 CHECK(read IN (0, 1)),
	received_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notifications_user_received
	ON notifications(user_id, received_at);
CREATE INDEX IF NOT EXISTS idx_notifications_user_read
	ON notifications(user_id, read);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
