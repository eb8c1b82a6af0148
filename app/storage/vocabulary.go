package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/jmoiron/sqlx"

	"github.com/umputun/comment-gate/app/storage/engine"
	"github.com/umputun/comment-gate/lib/vocab"
)

// Vocabulary is a storage for the tokenizer vocabulary, one vocabulary per group id
type Vocabulary struct {
	*engine.SQL
	engine.RWLocker
}

// VocabularyStats returns statistics about the stored vocabulary
type VocabularyStats struct {
	Words   int `db:"words"`
	MaxID   int `db:"max_id"`
	Start   int `db:"start_id"`
	Unknown int `db:"unknown_id"`
	Pad     int `db:"pad_id"`
}

// String provides a string representation of the statistics
func (st *VocabularyStats) String() string {
	return fmt.Sprintf("words: %d, max id: %d, start: %d, unknown: %d, pad: %d",
		st.Words, st.MaxID, st.Start, st.Unknown, st.Pad)
}

// vocabulary-related command constants
const (
	CmdCreateVocabularyTable engine.DBCmd = iota + 100
	CmdCreateVocabularyIndexes
	CmdCreateReservedTable
	CmdUpsertWord
	CmdUpsertReserved
)

var vocabularyQueries = engine.NewQueryMap().
	Add(CmdCreateVocabularyTable, engine.Query{
		Sqlite: `CREATE TABLE IF NOT EXISTS vocabulary (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			gid TEXT NOT NULL DEFAULT '',
			word TEXT NOT NULL,
			token INTEGER NOT NULL,
			UNIQUE(gid, word)
		)`,
		Postgres: `CREATE TABLE IF NOT EXISTS vocabulary (
			id SERIAL PRIMARY KEY,
			gid TEXT NOT NULL DEFAULT '',
			word TEXT NOT NULL,
			token INTEGER NOT NULL,
			UNIQUE(gid, word)
		)`,
	}).
	AddSame(CmdCreateVocabularyIndexes, `CREATE INDEX IF NOT EXISTS idx_vocabulary_gid ON vocabulary(gid)`).
	Add(CmdCreateReservedTable, engine.Query{
		Sqlite: `CREATE TABLE IF NOT EXISTS vocabulary_reserved (
			gid TEXT PRIMARY KEY,
			start_id INTEGER NOT NULL,
			unknown_id INTEGER NOT NULL,
			pad_id INTEGER NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		Postgres: `CREATE TABLE IF NOT EXISTS vocabulary_reserved (
			gid TEXT PRIMARY KEY,
			start_id INTEGER NOT NULL,
			unknown_id INTEGER NOT NULL,
			pad_id INTEGER NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}).
	Add(CmdUpsertWord, engine.Query{
		Sqlite: `INSERT OR REPLACE INTO vocabulary (gid, word, token) VALUES (?, ?, ?)`,
		Postgres: `INSERT INTO vocabulary (gid, word, token) VALUES ($1, $2, $3)
			ON CONFLICT (gid, word) DO UPDATE SET token = EXCLUDED.token`,
	}).
	Add(CmdUpsertReserved, engine.Query{
		Sqlite: `INSERT OR REPLACE INTO vocabulary_reserved (gid, start_id, unknown_id, pad_id, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		Postgres: `INSERT INTO vocabulary_reserved (gid, start_id, unknown_id, pad_id, updated_at)
			VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP)
			ON CONFLICT (gid) DO UPDATE SET start_id = EXCLUDED.start_id, unknown_id = EXCLUDED.unknown_id,
			pad_id = EXCLUDED.pad_id, updated_at = CURRENT_TIMESTAMP`,
	})

// NewVocabulary creates a new Vocabulary storage
func NewVocabulary(ctx context.Context, db *engine.SQL) (*Vocabulary, error) {
	if db == nil {
		return nil, fmt.Errorf("db connection is nil")
	}
	res := &Vocabulary{SQL: db, RWLocker: db.MakeLock()}
	tables := []engine.TableConfig{
		{Name: "vocabulary", CreateTable: CmdCreateVocabularyTable, CreateIndexes: CmdCreateVocabularyIndexes,
			QueriesMap: vocabularyQueries},
		{Name: "vocabulary_reserved", CreateTable: CmdCreateReservedTable, QueriesMap: vocabularyQueries},
	}
	for _, cfg := range tables {
		if err := engine.InitTable(ctx, db, cfg); err != nil {
			return nil, fmt.Errorf("failed to init vocabulary storage: %w", err)
		}
	}
	return res, nil
}

// Import reads json vocabulary from the reader and stores it for the current gid.
// If withCleanup is true removes all words of the gid before import, otherwise words are merged.
func (v *Vocabulary) Import(ctx context.Context, r io.Reader, withCleanup bool) (*VocabularyStats, error) {
	if r == nil {
		return nil, fmt.Errorf("reader cannot be nil")
	}
	voc, err := vocab.Load(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read vocabulary: %w", err)
	}
	gid := v.GID()

	v.Lock()
	defer v.Unlock()

	tx, err := v.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if withCleanup {
		result, errDel := tx.ExecContext(ctx, v.Adopt(`DELETE FROM vocabulary WHERE gid = ?`), gid)
		if errDel != nil {
			return nil, fmt.Errorf("failed to remove old words: %w", errDel)
		}
		affected, errCount := result.RowsAffected()
		if errCount != nil {
			return nil, fmt.Errorf("failed to get affected rows: %w", errCount)
		}
		log.Printf("[DEBUG] removed %d old words, gid=%s", affected, gid)
	}

	if err = v.storeReserved(ctx, tx, voc.Reserved()); err != nil {
		return nil, err
	}

	query, err := vocabularyQueries.Pick(v.Type(), CmdUpsertWord)
	if err != nil {
		return nil, fmt.Errorf("failed to get upsert query: %w", err)
	}
	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer stmt.Close()
	for word, id := range voc.Words() {
		if _, err = stmt.ExecContext(ctx, gid, word, id); err != nil {
			return nil, fmt.Errorf("failed to add word %q: %w", word, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	log.Printf("[DEBUG] imported %d words, gid=%s", voc.Len(), gid)
	return v.stats(ctx)
}

func (v *Vocabulary) storeReserved(ctx context.Context, tx *sqlx.Tx, r vocab.Reserved) error {
	query, err := vocabularyQueries.Pick(v.Type(), CmdUpsertReserved)
	if err != nil {
		return fmt.Errorf("failed to get reserved query: %w", err)
	}
	if _, err = tx.ExecContext(ctx, query, v.GID(), r.Start, r.Unknown, r.Pad); err != nil {
		return fmt.Errorf("failed to store reserved ids: %w", err)
	}
	return nil
}

// Load reads vocabulary of the current gid. The result is validated the same way as a file vocabulary.
func (v *Vocabulary) Load(ctx context.Context) (*vocab.Vocabulary, error) {
	v.RLock()
	defer v.RUnlock()

	var reserved vocab.Reserved
	query := v.Adopt(`SELECT start_id, unknown_id, pad_id FROM vocabulary_reserved WHERE gid = ?`)
	if err := v.QueryRowxContext(ctx, query, v.GID()).Scan(&reserved.Start, &reserved.Unknown, &reserved.Pad); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no vocabulary for gid %q", v.GID())
		}
		return nil, fmt.Errorf("failed to get reserved ids: %w", err)
	}

	rows, err := v.QueryxContext(ctx, v.Adopt(`SELECT word, token FROM vocabulary WHERE gid = ?`), v.GID())
	if err != nil {
		return nil, fmt.Errorf("failed to query words: %w", err)
	}
	defer rows.Close()

	lookup := map[string]int{}
	for rows.Next() {
		var word string
		var token int
		if err := rows.Scan(&word, &token); err != nil {
			return nil, fmt.Errorf("failed to scan word: %w", err)
		}
		lookup[word] = token
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read words: %w", err)
	}

	res, err := vocab.New(lookup, reserved)
	if err != nil {
		return nil, fmt.Errorf("invalid stored vocabulary: %w", err)
	}
	return res, nil
}

// Stats returns statistics about the stored vocabulary
func (v *Vocabulary) Stats(ctx context.Context) (*VocabularyStats, error) {
	v.RLock()
	defer v.RUnlock()
	return v.stats(ctx)
}

func (v *Vocabulary) stats(ctx context.Context) (*VocabularyStats, error) {
	query := v.Adopt(`
		SELECT COUNT(w.word) AS words, COALESCE(MAX(w.token), 0) AS max_id,
			COALESCE(r.start_id, 0) AS start_id, COALESCE(r.unknown_id, 0) AS unknown_id, COALESCE(r.pad_id, 0) AS pad_id
		FROM vocabulary_reserved r
		LEFT JOIN vocabulary w ON w.gid = r.gid
		WHERE r.gid = ?
		GROUP BY r.start_id, r.unknown_id, r.pad_id`)

	var stats VocabularyStats
	if err := v.GetContext(ctx, &stats, query, v.GID()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &VocabularyStats{}, nil
		}
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return &stats, nil
}
