package store

// Migrations returns the built-in schema history in version order.
// Append new versions at the end; never edit or renumber a shipped one.
func Migrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_sessions",
			Statements: []string{
				`CREATE TABLE users (
					subject TEXT PRIMARY KEY,
					display_name TEXT NOT NULL DEFAULT '',
					email TEXT NOT NULL DEFAULT '',
					updated_at INTEGER NOT NULL
				)`,
				`CREATE TABLE sessions (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					subject TEXT NOT NULL REFERENCES users(subject),
					token TEXT NOT NULL,
					issued_at INTEGER NOT NULL,
					expires_at INTEGER,
					roles TEXT NOT NULL DEFAULT '[]',
					permissions TEXT NOT NULL DEFAULT '[]',
					active INTEGER NOT NULL DEFAULT 1 CHECK (active IN (0, 1))
				)`,
				`CREATE UNIQUE INDEX idx_sessions_single_active ON sessions(active) WHERE active = 1`,
			},
		},
		{
			Version: 2,
			Name:    "create_sync_queue",
			Statements: []string{
				`CREATE TABLE sync_queue (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					action_type TEXT NOT NULL CHECK (action_type IN ('END_SESSION', 'END_ALL_SESSIONS')),
					payload TEXT NOT NULL,
					status TEXT NOT NULL DEFAULT 'PENDING' CHECK (status IN ('PENDING', 'COMPLETED', 'FAILED')),
					retry_count INTEGER NOT NULL DEFAULT 0,
					last_error TEXT NOT NULL DEFAULT '',
					created_at INTEGER NOT NULL,
					updated_at INTEGER NOT NULL
				)`,
				`CREATE INDEX idx_sync_queue_status_order ON sync_queue(status, created_at, id)`,
			},
		},
		{
			Version: 3,
			Name:    "create_route_aggregate",
			Statements: []string{
				`CREATE TABLE route (
					id TEXT PRIMARY KEY,
					driver_id TEXT NOT NULL,
					name TEXT NOT NULL DEFAULT '',
					date TEXT NOT NULL DEFAULT '',
					synced_at INTEGER NOT NULL
				)`,
				`CREATE TABLE load (
					id TEXT PRIMARY KEY,
					route_id TEXT NOT NULL REFERENCES route(id) ON DELETE CASCADE,
					code TEXT NOT NULL DEFAULT ''
				)`,
				`CREATE TABLE load_item (
					id TEXT PRIMARY KEY,
					load_id TEXT NOT NULL REFERENCES load(id) ON DELETE CASCADE,
					position INTEGER NOT NULL,
					barcode TEXT NOT NULL DEFAULT '',
					description TEXT NOT NULL DEFAULT '',
					expected INTEGER NOT NULL DEFAULT 0,
					scanned INTEGER NOT NULL DEFAULT 0
				)`,
				`CREATE TABLE customer (
					id TEXT PRIMARY KEY,
					route_id TEXT NOT NULL REFERENCES route(id) ON DELETE CASCADE,
					sequence INTEGER NOT NULL,
					name TEXT NOT NULL DEFAULT '',
					address TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'in_progress', 'done')),
					started_at INTEGER,
					finished_at INTEGER
				)`,
				`CREATE TABLE "order" (
					id TEXT PRIMARY KEY,
					customer_id TEXT NOT NULL REFERENCES customer(id) ON DELETE CASCADE,
					position INTEGER NOT NULL,
					number TEXT NOT NULL DEFAULT '',
					kind TEXT NOT NULL CHECK (kind IN ('DESCARGA', 'COLETA'))
				)`,
				`CREATE TABLE parcel (
					id TEXT PRIMARY KEY,
					order_id TEXT NOT NULL REFERENCES "order"(id) ON DELETE CASCADE,
					position INTEGER NOT NULL,
					barcode TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'delivered', 'missing')),
					reason TEXT NOT NULL DEFAULT '',
					updated_at INTEGER,
					CHECK (status <> 'missing' OR length(trim(reason)) > 0)
				)`,
				`CREATE INDEX idx_customer_route ON customer(route_id, sequence)`,
				`CREATE INDEX idx_order_customer ON "order"(customer_id, position)`,
				`CREATE INDEX idx_parcel_order ON parcel(order_id, position)`,
			},
		},
		{
			Version: 4,
			Name:    "create_route_sync_log",
			Statements: []string{
				`CREATE TABLE route_mutation (
					id TEXT PRIMARY KEY,
					route_id TEXT NOT NULL REFERENCES route(id) ON DELETE CASCADE,
					kind TEXT NOT NULL,
					target_id TEXT NOT NULL,
					data TEXT NOT NULL DEFAULT '{}',
					created_at INTEGER NOT NULL
				)`,
				`CREATE INDEX idx_route_mutation_route ON route_mutation(route_id, created_at)`,
				`CREATE TABLE route_archive (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					route_id TEXT NOT NULL,
					idempotency_key TEXT NOT NULL,
					payload TEXT NOT NULL,
					synced_at INTEGER NOT NULL
				)`,
				`ALTER TABLE route ADD COLUMN upload_key TEXT`,
			},
		},
	}
}
