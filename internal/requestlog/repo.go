package requestlog

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/resinat/tunnelcore/internal/state"
)

const logSummarySelectColumns = "id, ts_ns, client_ip, target_scheme, target_host, target_port, chain_hop_count, privacy, duration_ns, net_ok, terminal_code, bytes_client_server, bytes_server_client"

// Repo manages rolling SQLite databases for connection logs.
// Each DB is named connection_logs-<unix_ms>.db and lives in logDir.
type Repo struct {
	logDir      string
	maxBytes    int64
	retainCount int

	// Active DB handle and path.
	activeDB   *sql.DB
	activePath string

	// readBarrier runs before read queries to improve freshness.
	readBarrierMu sync.RWMutex
	readBarrier   func()
}

// NewRepo creates a Repo that manages rolling connection log databases.
// maxBytes controls when the active DB is rotated; retainCount sets
// how many historical DB files are kept.
func NewRepo(logDir string, maxBytes int64, retainCount int) *Repo {
	if maxBytes <= 0 {
		maxBytes = 512 * 1024 * 1024 // 512 MB default
	}
	if retainCount <= 0 {
		retainCount = 5
	}
	return &Repo{
		logDir:      logDir,
		maxBytes:    maxBytes,
		retainCount: retainCount,
	}
}

// Open opens (or creates) the active connection log database.
// If a previous DB exists in the directory it is reused as active;
// a new one is created only when no existing DB is found.
func (r *Repo) Open() error {
	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		return fmt.Errorf("requestlog repo mkdir %s: %w", r.logDir, err)
	}

	files, err := r.listDBFiles()
	if err != nil {
		return fmt.Errorf("requestlog repo open: %w", err)
	}

	if len(files) > 0 {
		// Re-use latest as active.
		latest := files[len(files)-1]
		if err := r.openDB(latest); err != nil {
			return err
		}
		return r.cleanup()
	}
	return r.rotateDB()
}

// Close closes the active DB.
func (r *Repo) Close() error {
	if r.activeDB != nil {
		err := r.activeDB.Close()
		r.activeDB = nil
		r.activePath = ""
		return err
	}
	return nil
}

// InsertBatch inserts a batch of log entries in a single transaction.
// Returns the number of rows successfully inserted.
func (r *Repo) InsertBatch(entries []Entry) (int, error) {
	if r.activeDB == nil {
		if err := r.recoverActiveDB(); err != nil {
			return 0, err
		}
	}

	// Check if rotation is needed before insert.
	if err := r.maybeRotate(); err != nil {
		return 0, fmt.Errorf("requestlog repo rotate: %w", err)
	}

	tx, err := r.activeDB.Begin()
	if err != nil {
		return 0, fmt.Errorf("requestlog repo begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	insertLog, err := tx.Prepare(`INSERT OR IGNORE INTO connection_logs (
		id, ts_ns, client_ip,
		target_scheme, target_host, target_port, chain_hop_count, privacy,
		duration_ns, net_ok, terminal_code,
		bytes_client_server, bytes_server_client
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("requestlog repo prepare log: %w", err)
	}
	defer insertLog.Close()

	inserted := 0
	for i := range entries {
		e := &entries[i]
		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}

		_, err := insertLog.Exec(
			id, e.StartedAtNs, e.ClientIP,
			e.TargetScheme, e.TargetHost, int(e.TargetPort), e.ChainHopCount, boolToInt(e.Privacy),
			e.DurationNs, boolToInt(e.NetOK), e.TerminalCode,
			e.BytesC2S, e.BytesS2C,
		)
		if err != nil {
			log.Printf("[requestlog] warning: skip log row id=%q insert failed: %v", id, err)
			continue // skip individual row errors
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("requestlog repo commit: %w", err)
	}
	return inserted, nil
}

// recoverActiveDB attempts to recover from a missing active DB handle.
// This can happen if a previous rotation closed the old DB but failed
// to open a new one. We keep the documented rotation semantics (close then
// create) and only recover on subsequent writes.
func (r *Repo) recoverActiveDB() error {
	if r.activeDB != nil {
		return nil
	}
	if r.activePath == "" {
		return fmt.Errorf("requestlog repo: no active db")
	}
	if err := r.rotateDB(); err != nil {
		return fmt.Errorf("requestlog repo recover active db: %w", err)
	}
	return nil
}

// LogSummary is the result of listing connection log rows.
type LogSummary struct {
	ID            string `json:"id"`
	TsNs          int64  `json:"ts_ns"`
	ClientIP      string `json:"client_ip"`
	TargetScheme  string `json:"target_scheme"`
	TargetHost    string `json:"target_host"`
	TargetPort    int    `json:"target_port"`
	ChainHopCount int    `json:"chain_hop_count"`
	Privacy       bool   `json:"privacy"`
	DurationNs    int64  `json:"duration_ns"`
	NetOK         bool   `json:"net_ok"`
	TerminalCode  string `json:"terminal_code"`
	BytesC2S      int64  `json:"bytes_client_server"`
	BytesS2C      int64  `json:"bytes_server_client"`
}

// ListFilter specifies query filters for listing logs.
type ListFilter struct {
	TargetHost   string
	Fuzzy        bool // Enables case-insensitive substring matching on target_host.
	TerminalCode string
	NetOK        *bool // true/false filter
	Before       int64 // ts_ns < Before (0 means no upper bound)
	After        int64 // ts_ns > After (0 means no lower bound)
	Limit        int
	Cursor       *ListCursor
}

// ListCursor encodes a connection-log pagination position.
// Ordering is ts_ns DESC then id ASC.
type ListCursor struct {
	TsNs int64
	ID   string
}

// List queries all retained DBs and returns a page of matching log summaries
// ordered by ts_ns DESC, same ts_ns by id ASC.
func (r *Repo) List(f ListFilter) ([]LogSummary, bool, *ListCursor, error) {
	r.runReadBarrier()

	files, err := r.listDBFiles()
	if err != nil {
		return nil, false, nil, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	// Fetch one extra row across retained DBs to derive has_more.
	fetchLimit := limit + 1
	var results []LogSummary
	// Iterate every retained DB, then globally merge-sort.
	// We must not early-stop by file order because request ts_ns can be out-of-order
	// relative to DB filename time (e.g. long-lived connections flushed later).
	for i := len(files) - 1; i >= 0; i-- {
		db, err := r.openReadOnly(files[i])
		if err != nil {
			log.Printf("[requestlog] warning: list open db failed path=%q: %v", files[i], err)
			continue
		}
		rows, err := r.queryLogs(db, f, fetchLimit)
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("[requestlog] warning: list close db failed path=%q: %v", files[i], closeErr)
		}
		if err != nil {
			log.Printf("[requestlog] warning: list query failed path=%q: %v", files[i], err)
			continue
		}
		results = append(results, rows...)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].TsNs != results[j].TsNs {
			return results[i].TsNs > results[j].TsNs
		}
		return results[i].ID < results[j].ID
	})
	if len(results) == 0 {
		return []LogSummary{}, false, nil, nil
	}

	hasMore := len(results) > limit
	if hasMore {
		results = results[:limit]
	}

	var nextCursor *ListCursor
	if hasMore && len(results) > 0 {
		last := results[len(results)-1]
		nextCursor = &ListCursor{TsNs: last.TsNs, ID: last.ID}
	}
	return results, hasMore, nextCursor, nil
}

// GetByID looks up a single log entry across all retained DBs.
func (r *Repo) GetByID(id string) (*LogSummary, error) {
	r.runReadBarrier()

	files, err := r.listDBFiles()
	if err != nil {
		return nil, err
	}

	var result *LogSummary
	r.queryAcrossRetainedDBs(files, "get_by_id", "id", id, func(db *sql.DB) (bool, error) {
		row, err := r.queryLogByID(db, id)
		if err != nil {
			return false, err
		}
		if row != nil {
			result = row
			return true, nil
		}
		return false, nil
	})
	return result, nil
}

func (r *Repo) queryAcrossRetainedDBs(
	files []string,
	op string,
	keyName string,
	keyValue string,
	query func(*sql.DB) (bool, error),
) {
	for i := len(files) - 1; i >= 0; i-- {
		path := files[i]
		db, err := r.openReadOnly(path)
		if err != nil {
			log.Printf("[requestlog] warning: %s open db failed path=%q %s=%q: %v", op, path, keyName, keyValue, err)
			continue
		}
		row, err := query(db)
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("[requestlog] warning: %s close db failed path=%q %s=%q: %v", op, path, keyName, keyValue, closeErr)
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			log.Printf("[requestlog] warning: %s query failed path=%q %s=%q: %v", op, path, keyName, keyValue, err)
		}
		if err == nil && row {
			return
		}
	}
}

func (r *Repo) setReadBarrier(fn func()) {
	r.readBarrierMu.Lock()
	r.readBarrier = fn
	r.readBarrierMu.Unlock()
}

func (r *Repo) runReadBarrier() {
	r.readBarrierMu.RLock()
	barrier := r.readBarrier
	r.readBarrierMu.RUnlock()
	if barrier != nil {
		barrier()
	}
}

// --- internal helpers ---

func (r *Repo) openDB(path string) error {
	db, err := state.OpenDB(path)
	if err != nil {
		return err
	}
	if err := state.InitDB(db, CreateDDL); err != nil {
		db.Close()
		return err
	}
	r.activeDB = db
	r.activePath = path
	return nil
}

func (r *Repo) rotateDB() error {
	if r.activeDB != nil {
		r.activeDB.Close()
		r.activeDB = nil
	}
	name := fmt.Sprintf("connection_logs-%d.db", time.Now().UnixMilli())
	path := filepath.Join(r.logDir, name)
	if err := r.openDB(path); err != nil {
		return fmt.Errorf("requestlog rotate: %w", err)
	}
	return r.cleanup()
}

func (r *Repo) maybeRotate() error {
	if r.activePath == "" {
		return r.rotateDB()
	}
	totalSize, err := sqliteFilesSize(r.activePath)
	if err != nil {
		log.Printf("[requestlog] warning: stat active db failed path=%q: %v", r.activePath, err)
		return nil // can't stat; skip rotation check
	}
	if totalSize >= r.maxBytes {
		return r.rotateDB()
	}
	return nil
}

func (r *Repo) cleanup() error {
	files, err := r.listDBFiles()
	if err != nil {
		return err
	}
	// Keep retainCount most recent files (the active one is always latest).
	if len(files) <= r.retainCount {
		return nil
	}
	toRemove := files[:len(files)-r.retainCount]
	for _, f := range toRemove {
		os.Remove(f)
		// Also clean up WAL/SHM files.
		os.Remove(f + "-wal")
		os.Remove(f + "-shm")
	}
	return nil
}

func (r *Repo) listDBFiles() ([]string, error) {
	entries, err := os.ReadDir(r.logDir)
	if err != nil {
		return nil, fmt.Errorf("requestlog list dir %s: %w", r.logDir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "connection_logs-") && strings.HasSuffix(name, ".db") {
			files = append(files, filepath.Join(r.logDir, name))
		}
	}
	sort.Strings(files) // lexicographic sort == chronological for our naming
	return files, nil
}

func (r *Repo) openReadOnly(path string) (*sql.DB, error) {
	dsn := path + "?mode=ro"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func (r *Repo) queryLogs(db *sql.DB, f ListFilter, limit int) ([]LogSummary, error) {
	var where []string
	var args []interface{}

	if f.TargetHost != "" {
		if f.Fuzzy {
			where = append(where, "instr(lower(target_host), lower(?)) > 0")
		} else {
			where = append(where, "target_host = ?")
		}
		args = append(args, f.TargetHost)
	}
	if f.TerminalCode != "" {
		where = append(where, "terminal_code = ?")
		args = append(args, f.TerminalCode)
	}
	if f.NetOK != nil {
		where = append(where, "net_ok = ?")
		args = append(args, boolToInt(*f.NetOK))
	}
	if f.Before > 0 {
		where = append(where, "ts_ns < ?")
		args = append(args, f.Before)
	}
	if f.After > 0 {
		where = append(where, "ts_ns > ?")
		args = append(args, f.After)
	}
	if f.Cursor != nil {
		// Pagination condition for ORDER BY ts_ns DESC, id ASC:
		// next rows are strictly "after" the cursor in that ordering.
		where = append(where, "(ts_ns < ? OR (ts_ns = ? AND id > ?))")
		args = append(args, f.Cursor.TsNs, f.Cursor.TsNs, f.Cursor.ID)
	}

	q := "SELECT " + logSummarySelectColumns + " FROM connection_logs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts_ns DESC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLogSummaries(rows)
}

func (r *Repo) queryLogByID(db *sql.DB, id string) (*LogSummary, error) {
	row := db.QueryRow("SELECT "+logSummarySelectColumns+" FROM connection_logs WHERE id = ?", id)
	s, err := scanLogSummary(row)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanLogSummaries(rows *sql.Rows) ([]LogSummary, error) {
	var results []LogSummary
	for rows.Next() {
		s, err := scanLogSummary(rows)
		if err != nil {
			log.Printf("[requestlog] warning: skip malformed log row during scan: %v", err)
			continue
		}
		results = append(results, s)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLogSummary(s rowScanner) (LogSummary, error) {
	var row LogSummary
	var netOK, privacy int
	err := s.Scan(
		&row.ID, &row.TsNs, &row.ClientIP,
		&row.TargetScheme, &row.TargetHost, &row.TargetPort, &row.ChainHopCount, &privacy,
		&row.DurationNs, &netOK, &row.TerminalCode,
		&row.BytesC2S, &row.BytesS2C,
	)
	if err != nil {
		return LogSummary{}, err
	}
	row.NetOK = netOK != 0
	row.Privacy = privacy != 0
	return row, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// sqliteFilesSize returns the total size of a SQLite database set:
// base db file + optional -wal and -shm sidecar files.
func sqliteFilesSize(basePath string) (int64, error) {
	paths := []string{basePath, basePath + "-wal", basePath + "-shm"}
	var total int64
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}
