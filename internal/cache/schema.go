package cache

// Migration is one forward-only schema change, applied in a transaction
// and recorded in the migrations table.
type Migration struct {
	Version int
	SQL     string
}

// migrations is the cache database's full schema history (§6: two tables
// per side, kept here as one pair of tables parameterized by a "side"
// column rather than physically duplicated, since sqlite has no notion of
// schemas cheap enough to warrant four tables).
var migrations = []Migration{
	{
		Version: 1,
		SQL: `
			CREATE TABLE folders (
				account TEXT NOT NULL,
				side    TEXT NOT NULL,
				name    TEXT NOT NULL,
				kind    TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (account, side, name)
			);

			CREATE TABLE envelopes (
				account    TEXT NOT NULL,
				side       TEXT NOT NULL,
				folder     TEXT NOT NULL,
				message_id TEXT NOT NULL,
				internal_id TEXT NOT NULL,
				flags      TEXT NOT NULL DEFAULT '',
				date       INTEGER NOT NULL,
				sender     TEXT NOT NULL DEFAULT '',
				recipient  TEXT NOT NULL DEFAULT '',
				subject    TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (account, side, folder, message_id)
			);

			CREATE INDEX idx_envelopes_folder ON envelopes(account, side, folder);
		`,
	},
	{
		Version: 2,
		SQL: `
			CREATE TABLE credentials (
				account_id TEXT NOT NULL,
				kind       TEXT NOT NULL,
				ciphertext TEXT NOT NULL,
				PRIMARY KEY (account_id, kind)
			);
		`,
	},
	{
		Version: 3,
		SQL: `
			CREATE TABLE pgp_keys (
				id                 TEXT PRIMARY KEY,
				account_id         TEXT NOT NULL,
				email              TEXT NOT NULL DEFAULT '',
				key_id             TEXT NOT NULL DEFAULT '',
				fingerprint        TEXT NOT NULL UNIQUE,
				user_id            TEXT NOT NULL DEFAULT '',
				algorithm          TEXT NOT NULL DEFAULT '',
				key_size           INTEGER NOT NULL DEFAULT 0,
				created_at_key     DATETIME,
				expires_at_key     DATETIME,
				public_key_armored TEXT NOT NULL,
				is_default         BOOLEAN NOT NULL DEFAULT 0,
				created_at         DATETIME NOT NULL
			);

			CREATE INDEX idx_pgp_keys_account ON pgp_keys(account_id);

			CREATE TABLE pgp_sender_keys (
				id                 TEXT PRIMARY KEY,
				email              TEXT NOT NULL,
				key_id             TEXT NOT NULL DEFAULT '',
				fingerprint        TEXT NOT NULL UNIQUE,
				user_id            TEXT NOT NULL DEFAULT '',
				algorithm          TEXT NOT NULL DEFAULT '',
				key_size           INTEGER NOT NULL DEFAULT 0,
				created_at_key     DATETIME,
				expires_at_key     DATETIME,
				public_key_armored TEXT NOT NULL,
				source             TEXT NOT NULL DEFAULT '',
				collected_at       DATETIME NOT NULL,
				last_seen_at       DATETIME NOT NULL
			);

			CREATE INDEX idx_pgp_sender_keys_email ON pgp_sender_keys(email);

			CREATE TABLE pgp_keyservers (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				url         TEXT NOT NULL,
				order_index INTEGER NOT NULL DEFAULT 0
			);
		`,
	},
}
