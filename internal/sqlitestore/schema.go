package sqlitestore

// schema is the Persistence Service's DDL, adapted from the teacher's
// store/adapter MySQL schema pattern (one statement per table, explicit
// indexes for the access patterns the adapter methods perform) to the
// sqlite dialect used by this module's storage engine.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	uid TEXT NOT NULL UNIQUE,
	nickname TEXT NOT NULL DEFAULT '',
	avatar TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS devices (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	device_type TEXT NOT NULL,
	device_name TEXT NOT NULL DEFAULT '',
	push_token TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	last_active_at DATETIME NOT NULL,
	PRIMARY KEY (user_id, device_id)
);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	group_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS conversation_participants (
	conversation_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	PRIMARY KEY (conversation_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_participants_user ON conversation_participants(user_id);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY,
	msg_id TEXT NOT NULL UNIQUE,
	conversation_id TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	sender_device_id TEXT NOT NULL DEFAULT '',
	msg_type TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	quote_msg_id TEXT NOT NULL DEFAULT '',
	at_user_ids TEXT NOT NULL DEFAULT '[]',
	client_created_at DATETIME NOT NULL,
	server_created_at DATETIME NOT NULL,
	recalled_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, id);
CREATE INDEX IF NOT EXISTS idx_messages_id ON messages(id);

CREATE TABLE IF NOT EXISTS reactions (
	msg_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	emoji TEXT NOT NULL,
	PRIMARY KEY (msg_id, user_id, emoji)
);

CREATE TABLE IF NOT EXISTS read_cursors (
	user_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	last_read_msg_id INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, conversation_id)
);

CREATE TABLE IF NOT EXISTS sync_cursors (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	last_synced_id INTEGER NOT NULL DEFAULT 0,
	last_synced_at DATETIME NOT NULL,
	PRIMARY KEY (user_id, device_id)
);

CREATE TABLE IF NOT EXISTS offline_queue (
	id INTEGER PRIMARY KEY,
	target_user_id TEXT NOT NULL,
	target_device_id TEXT NOT NULL DEFAULT '',
	message_id INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	delivered_at DATETIME,
	expired_at DATETIME NOT NULL,
	UNIQUE (target_user_id, target_device_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_offlineq_pending ON offline_queue(target_user_id, target_device_id, delivered_at, created_at);
`
