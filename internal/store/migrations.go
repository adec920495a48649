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

CREATE TABLE IF NOT EXISTS threads (
	id           TEXT PRIMARY KEY,
	subject      TEXT NOT NULL DEFAULT '',
	subject_key  TEXT NOT NULL DEFAULT '',
	participants TEXT NOT NULL DEFAULT '[]',
	email_count  INTEGER NOT NULL DEFAULT 0,
	last_date    DATETIME NOT NULL,
	has_unread   INTEGER NOT NULL DEFAULT 0 CHECK(has_unread IN (0, 1)),
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_threads_subject_key ON threads(subject_key, last_date);

CREATE TABLE IF NOT EXISTS emails (
	id               TEXT PRIMARY KEY,
	mailbox          TEXT NOT NULL,
	uid              INTEGER NOT NULL,
	uid_validity     INTEGER NOT NULL,
	message_id       TEXT NOT NULL DEFAULT '',
	thread_id        TEXT NOT NULL DEFAULT '',
	subject          TEXT NOT NULL DEFAULT '',
	from_name        TEXT NOT NULL DEFAULT '',
	from_addr        TEXT NOT NULL DEFAULT '',
	to_addrs         TEXT NOT NULL DEFAULT '[]',
	cc_addrs         TEXT NOT NULL DEFAULT '[]',
	bcc_addrs        TEXT NOT NULL DEFAULT '[]',
	text_body        TEXT NOT NULL DEFAULT '',
	html_body        TEXT NOT NULL DEFAULT '',
	date             DATETIME NOT NULL,
	is_read          INTEGER NOT NULL DEFAULT 0 CHECK(is_read IN (0, 1)),
	is_starred       INTEGER NOT NULL DEFAULT 0 CHECK(is_starred IN (0, 1)),
	is_flagged       INTEGER NOT NULL DEFAULT 0 CHECK(is_flagged IN (0, 1)),
	is_important     INTEGER NOT NULL DEFAULT 0 CHECK(is_important IN (0, 1)),
	is_deleted       INTEGER NOT NULL DEFAULT 0 CHECK(is_deleted IN (0, 1)),
	labels           TEXT NOT NULL DEFAULT '[]',
	size             INTEGER NOT NULL DEFAULT 0,
	attachment_count INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	synced_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(mailbox, uid_validity, uid)
);

CREATE INDEX IF NOT EXISTS idx_emails_message_id ON emails(message_id);
CREATE INDEX IF NOT EXISTS idx_emails_thread_id ON emails(thread_id);
CREATE INDEX IF NOT EXISTS idx_emails_mailbox_date ON emails(mailbox, date);
CREATE INDEX IF NOT EXISTS idx_emails_date ON emails(date);

CREATE TABLE IF NOT EXISTS attachments (
	id           TEXT PRIMARY KEY,
	email_id     TEXT NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
	filename     TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	size         INTEGER NOT NULL DEFAULT 0,
	storage_path TEXT NOT NULL DEFAULT '',
	checksum     TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_attachments_email_id ON attachments(email_id);

CREATE TABLE IF NOT EXISTS sync_state (
	mailbox        TEXT PRIMARY KEY,
	uid_validity   INTEGER NOT NULL DEFAULT 0,
	high_water_uid INTEGER NOT NULL DEFAULT 0,
	last_sync_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS pending_operations (
	id            TEXT PRIMARY KEY,
	email_id      TEXT NOT NULL,
	mailbox       TEXT NOT NULL DEFAULT '',
	uid           INTEGER NOT NULL DEFAULT 0,
	uid_validity  INTEGER NOT NULL DEFAULT 0,
	kind          TEXT NOT NULL CHECK(kind IN ('read', 'unread', 'flag', 'unflag', 'star', 'unstar', 'delete')),
	status        TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'in_flight', 'succeeded', 'failed_exhausted')),
	retry_count   INTEGER NOT NULL DEFAULT 0,
	max_retries   INTEGER NOT NULL DEFAULT 5,
	next_retry_at DATETIME NOT NULL,
	last_error    TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_pending_operations_due ON pending_operations(status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_pending_operations_email ON pending_operations(email_id, status);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS labels (
	name         TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	color        TEXT NOT NULL DEFAULT '',
	system       INTEGER NOT NULL DEFAULT 0 CHECK(system IN (0, 1))
);

INSERT OR IGNORE INTO labels (name, display_name, color, system) VALUES
	('inbox', 'Inbox', '#4285f4', 1),
	('sent', 'Sent', '#34a853', 1),
	('drafts', 'Drafts', '#fbbc04', 1),
	('spam', 'Spam', '#ea4335', 1),
	('trash', 'Trash', '#9aa0a6', 1),
	('starred', 'Starred', '#f4b400', 1),
	('important', 'Important', '#db4437', 1);

INSERT INTO schema_version (version) VALUES (3);
`,
	},
}
