package memory

import (
	"context"
	"database/sql"
	"embed"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const memoryColumns = `id, session_id, turn_number, type, content, confidence, embedding, embedding_model, created_at_ms, last_accessed_ms, access_count`

// SQLiteStore is the structured, durable half of the memory store. It is the
// source of truth for memories, embeddings and session turn counters.
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger

	// SQLite allows one writer at a time. Serializing here keeps concurrent
	// sessions from tripping over SQLITE_BUSY while WAL keeps readers free.
	writeMu sync.Mutex
}

// OpenSQLiteStore opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLiteStore(ctx context.Context, path string, log zerolog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &SQLiteStore{db: db, log: log}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations sub-fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, sub)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		s.log.Info().
			Int64("version", r.Source.Version).
			Dur("took", r.Duration).
			Msg("applied memory migration")
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// withWriteTx runs fn inside a write transaction. fn's error or a failed
// commit rolls everything back.
func (s *SQLiteStore) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func ensureSessionTx(ctx context.Context, tx *sql.Tx, sessionID string, now int64) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO sessions(session_id, turn_number, created_at_ms, updated_at_ms)
VALUES(?, 0, ?, ?)
ON CONFLICT(session_id) DO NOTHING`, sessionID, now, now)
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	return nil
}

func insertMemoryTx(ctx context.Context, tx *sql.Tx, m *Memory) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.UnixMilli(nowMS()).UTC()
	} else {
		m.CreatedAt = time.UnixMilli(m.CreatedAt.UnixMilli()).UTC()
	}
	if err := ensureSessionTx(ctx, tx, m.SessionID, m.CreatedAt.UnixMilli()); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO memories(session_id, turn_number, type, content, normalized, confidence, embedding, embedding_model, created_at_ms, access_count)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		m.SessionID,
		m.TurnNumber,
		string(m.Type),
		m.Content,
		Normalize(m.Content),
		m.Confidence,
		vectorArg(m.Embedding),
		m.EmbeddingModel,
		m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert memory id: %w", err)
	}
	m.ID = id
	m.AccessCount = 0
	m.LastAccessedAt = nil
	return nil
}

func raiseConfidenceTx(ctx context.Context, tx *sql.Tx, id int64, confidence float64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
UPDATE memories SET confidence = ?
WHERE id = ? AND confidence < ?`, confidence, id, confidence)
	if err != nil {
		return false, fmt.Errorf("raise confidence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("raise confidence rows: %w", err)
	}
	return n > 0, nil
}

func advanceTurnTx(ctx context.Context, tx *sql.Tx, sessionID string, turn int) error {
	now := nowMS()
	if err := ensureSessionTx(ctx, tx, sessionID, now); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
UPDATE sessions SET turn_number = ?, updated_at_ms = ?
WHERE session_id = ? AND turn_number = ?`, turn, now, sessionID, turn-1)
	if err != nil {
		return fmt.Errorf("advance turn: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance turn rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("advance turn: session %q is not at turn %d", sessionID, turn-1)
	}
	return nil
}

func (s *SQLiteStore) GetBySession(ctx context.Context, sessionID string, f Filter) ([]Memory, error) {
	var (
		where = []string{"session_id = ?"}
		args  = []any{sessionID}
	)
	if len(f.Types) > 0 {
		marks := make([]string, 0, len(f.Types))
		for _, t := range f.Types {
			marks = append(marks, "?")
			args = append(args, string(t))
		}
		where = append(where, "type IN ("+strings.Join(marks, ",")+")")
	}
	if f.MinConfidence > 0 {
		where = append(where, "confidence >= ?")
		args = append(args, f.MinConfidence)
	}
	if f.MinTurn > 0 {
		where = append(where, "turn_number >= ?")
		args = append(args, f.MinTurn)
	}
	if f.MaxTurn > 0 {
		where = append(where, "turn_number <= ?")
		args = append(args, f.MaxTurn)
	}
	query := `SELECT ` + memoryColumns + ` FROM memories WHERE ` + strings.Join(where, " AND ") + ` ORDER BY turn_number ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get memories by session: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (Memory, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	if err != nil {
		return Memory{}, fmt.Errorf("get memory: %w", err)
	}
	defer rows.Close()
	out, err := scanMemories(rows)
	if err != nil {
		return Memory{}, err
	}
	if len(out) == 0 {
		return Memory{}, fmt.Errorf("memory %d: %w", id, ErrNotFound)
	}
	return out[0], nil
}

func (s *SQLiteStore) getMany(ctx context.Context, ids []int64) (map[int64]Memory, error) {
	out := make(map[int64]Memory, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id IN (`+strings.Join(marks, ",")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get memories: %w", err)
	}
	defer rows.Close()
	list, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}
	for _, m := range list {
		out[m.ID] = m
	}
	return out, nil
}

// Touch bumps access_count by one and stamps last_accessed for every id, in a
// single transaction. Repeated ids are counted once per occurrence.
func (s *SQLiteStore) Touch(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := nowMS()
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
UPDATE memories SET access_count = access_count + 1, last_accessed_ms = ?
WHERE id = ?`, now, id); err != nil {
				return fmt.Errorf("touch memory %d: %w", id, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) RaiseConfidence(ctx context.Context, id int64, confidence float64) error {
	if confidence < 0 || confidence > 1 {
		return fmt.Errorf("%w: confidence %.3f outside [0,1]", ErrInvalidMemory, confidence)
	}
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := raiseConfidenceTx(ctx, tx, id, confidence)
		return err
	})
}

func (s *SQLiteStore) clearSession(ctx context.Context, sessionID string) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete session memories: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) Count(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) AllSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id FROM sessions
UNION
SELECT DISTINCT session_id FROM memories
ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Session(ctx context.Context, sessionID string) (Session, error) {
	var (
		out              Session
		createdMS, updMS int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT session_id, turn_number, created_at_ms, updated_at_ms
FROM sessions WHERE session_id = ?`, sessionID).Scan(&out.ID, &out.TurnNumber, &createdMS, &updMS)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	out.CreatedAt = time.UnixMilli(createdMS).UTC()
	out.UpdatedAt = time.UnixMilli(updMS).UTC()
	return out, nil
}

// TurnNumber returns the session's turn counter; unknown sessions are at 0.
func (s *SQLiteStore) TurnNumber(ctx context.Context, sessionID string) (int, error) {
	sess, err := s.Session(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return sess.TurnNumber, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	out := Stats{
		AvgConfidenceByType: map[MemoryType]float64{},
		CountByType:         map[MemoryType]int{},
	}
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(AVG(confidence), 0), COALESCE(MIN(turn_number), 0), COALESCE(MAX(turn_number), 0)
FROM memories`).Scan(&out.TotalMemories, &out.AvgConfidence, &out.EarliestTurn, &out.LatestTurn)
	if err != nil {
		return Stats{}, fmt.Errorf("memory totals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*), AVG(confidence) FROM memories GROUP BY type ORDER BY type`)
	if err != nil {
		return Stats{}, fmt.Errorf("memory totals by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			t   string
			n   int
			avg float64
		)
		if err := rows.Scan(&t, &n, &avg); err != nil {
			return Stats{}, fmt.Errorf("scan type totals: %w", err)
		}
		out.CountByType[MemoryType(t)] = n
		out.AvgConfidenceByType[MemoryType(t)] = avg
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate type totals: %w", err)
	}

	sessions, err := s.AllSessions(ctx)
	if err != nil {
		return Stats{}, err
	}
	out.Sessions = len(sessions)
	return out, nil
}

func (s *SQLiteStore) SessionStats(ctx context.Context, sessionID string) (SessionStats, error) {
	all, err := s.GetBySession(ctx, sessionID, Filter{})
	if err != nil {
		return SessionStats{}, err
	}
	out := SessionStats{SessionID: sessionID, TypeDistribution: map[MemoryType]int{}}
	if len(all) == 0 {
		return out, nil
	}
	var sum float64
	for i := range all {
		m := all[i]
		out.TotalMemories++
		out.TotalAccesses += m.AccessCount
		out.TypeDistribution[m.Type]++
		sum += m.Confidence
		if out.MostAccessed == nil || m.AccessCount > out.MostAccessed.AccessCount {
			out.MostAccessed = &all[i]
		}
	}
	out.AvgConfidence = sum / float64(len(all))
	return out, nil
}

// SearchText is the lexical fallback used when no vector search is possible.
// An empty sessionID searches every session.
func (s *SQLiteStore) SearchText(ctx context.Context, sessionID, query string, k int) ([]Memory, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []Memory{}, nil
	}
	if k <= 0 {
		k = 5
	}
	pattern := "%" + escapeLike(query) + "%"
	q := `SELECT ` + memoryColumns + ` FROM memories WHERE content LIKE ? ESCAPE '\'`
	args := []any{pattern}
	if sessionID != "" {
		q += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	q += ` ORDER BY confidence DESC, turn_number DESC, id ASC LIMIT ?`
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// embeddedCounts returns, per session, how many memories carry a vector.
func (s *SQLiteStore) embeddedCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, COUNT(*) FROM memories
WHERE embedding IS NOT NULL
GROUP BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("count embeddings: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan embedding count: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

// eachEmbedded streams every memory that has a stored vector, in id order.
func (s *SQLiteStore) eachEmbedded(ctx context.Context, fn func(Memory) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE embedding IS NOT NULL ORDER BY id`)
	if err != nil {
		return fmt.Errorf("list embeddings: %w", err)
	}
	defer rows.Close()
	list, err := scanMemories(rows)
	if err != nil {
		return err
	}
	for _, m := range list {
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint folds the WAL back into the main database file.
func (s *SQLiteStore) Checkpoint(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

func scanMemories(rows *sql.Rows) ([]Memory, error) {
	out := []Memory{}
	for rows.Next() {
		var (
			m          Memory
			typ        string
			blob       []byte
			createdMS  int64
			accessedMS sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.TurnNumber, &typ, &m.Content, &m.Confidence, &blob, &m.EmbeddingModel, &createdMS, &accessedMS, &m.AccessCount); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.Type = MemoryType(typ)
		m.Embedding = decodeVector(blob)
		m.CreatedAt = time.UnixMilli(createdMS).UTC()
		if accessedMS.Valid {
			t := time.UnixMilli(accessedMS.Int64).UTC()
			m.LastAccessedAt = &t
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return out, nil
}

func nowMS() int64 { return time.Now().UnixMilli() }

// vectorArg binds an empty vector as SQL NULL.
func vectorArg(vec []float32) any {
	if len(vec) == 0 {
		return nil
	}
	return encodeVector(vec)
}

// encodeVector packs a vector as little-endian float32s.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
