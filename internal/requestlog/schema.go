// Package requestlog implements the structured per-connection completion
// log (spec SPEC_FULL.md "requestlog"): one row per Forward Connection,
// written asynchronously to rolling SQLite databases. Grounded on the
// teacher's internal/requestlog, re-fielded from HTTP request/response
// logging to connection-id/endpoint/terminal-error logging.
package requestlog

// CreateDDL defines the schema for connection log databases. Each rolling
// DB gets its own connection_logs table.
const CreateDDL = `
CREATE TABLE IF NOT EXISTS connection_logs (
	id                TEXT PRIMARY KEY,
	ts_ns             INTEGER NOT NULL,
	client_ip         TEXT NOT NULL DEFAULT '',
	target_scheme     TEXT NOT NULL DEFAULT '',
	target_host       TEXT NOT NULL DEFAULT '',
	target_port       INTEGER NOT NULL DEFAULT 0,
	chain_hop_count   INTEGER NOT NULL DEFAULT 0,
	privacy           INTEGER NOT NULL DEFAULT 0,
	duration_ns       INTEGER NOT NULL DEFAULT 0,
	net_ok            INTEGER NOT NULL DEFAULT 0,
	terminal_code     TEXT NOT NULL DEFAULT '',
	bytes_client_server INTEGER NOT NULL DEFAULT 0,
	bytes_server_client INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_connection_logs_ts_ns        ON connection_logs(ts_ns);
CREATE INDEX IF NOT EXISTS idx_connection_logs_target_host  ON connection_logs(target_host);
CREATE INDEX IF NOT EXISTS idx_connection_logs_terminal_code ON connection_logs(terminal_code);
`
