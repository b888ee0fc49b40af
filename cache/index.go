package cache

import (
	"database/sql"
	"net/url"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	serializer "github.com/always-cache/courier/pkg/response-serializer"
)

const indexFileName = "index.db"

// index persists the metadata of clean entries. Bodies live in their own
// files next to it.
type index struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// openIndex opens the index database at filename.
// If file name is empty, a new in-memory db is opened.
func openIndex(filename string) (*index, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		key TEXT PRIMARY KEY,
		head BLOB,
		vary TEXT,
		freshness INTEGER,
		must_revalidate INTEGER,
		length INTEGER,
		hits INTEGER,
		stored_at INTEGER
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS stored_at_idx ON entries (stored_at)")
	if err != nil {
		db.Close()
		return nil, err
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		db.Close()
		return nil, err
	}
	return &index{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (i *index) put(e *entry) error {
	head, err := serializer.StoredResponseToBytes(serializer.StoredResponse{
		StatusCode:   e.statusCode,
		Reason:       e.reason,
		Header:       e.header,
		ResponseTime: e.responseTime,
		Date:         e.date,
	})
	if err != nil {
		return err
	}
	i.writeMutex.Lock()
	defer i.writeMutex.Unlock()
	_, err = i.db.Exec(`INSERT OR REPLACE INTO entries
		(key, head, vary, freshness, must_revalidate, length, hits, stored_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.key, head, encodeVary(e.vary), int64(e.freshness/time.Second), e.mustRevalidate, e.length, e.hits, e.responseTime.Unix())
	return err
}

// all calls cb for every stored entry, oldest first.
func (i *index) all(cb func(*entry)) error {
	rows, err := i.db.Query(`SELECT
		key, head, vary, freshness, must_revalidate, length, hits
		FROM entries ORDER BY stored_at ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e         entry
			head      []byte
			vary      string
			freshness int64
		)
		if err := rows.Scan(&e.key, &head, &vary, &freshness, &e.mustRevalidate, &e.length, &e.hits); err != nil {
			return err
		}
		sRes, err := serializer.BytesToStoredResponse(head)
		if err != nil {
			return err
		}
		e.statusCode = sRes.StatusCode
		e.reason = sRes.Reason
		e.header = sRes.Header
		e.responseTime = sRes.ResponseTime
		e.date = sRes.Date
		e.freshness = time.Duration(freshness) * time.Second
		if e.vary, err = decodeVary(vary); err != nil {
			return err
		}
		cb(&e)
	}
	return rows.Err()
}

// saveHits writes the hit counters of entries in one transaction.
func (i *index) saveHits(hits map[string]int64) error {
	i.writeMutex.Lock()
	defer i.writeMutex.Unlock()
	tx, err := i.db.Begin()
	if err != nil {
		return err
	}
	for key, n := range hits {
		if _, err := tx.Exec("UPDATE entries SET hits = ? WHERE key = ?", n, key); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (i *index) delete(key string) error {
	i.writeMutex.Lock()
	defer i.writeMutex.Unlock()
	_, err := i.db.Exec("DELETE FROM entries WHERE key = ?", key)
	return err
}

func (i *index) close() error {
	return i.db.Close()
}

func encodeVary(vary map[string]string) string {
	v := url.Values{}
	for name, value := range vary {
		v.Set(name, value)
	}
	return v.Encode()
}

func decodeVary(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	v, err := url.ParseQuery(s)
	if err != nil {
		return nil, err
	}
	vary := make(map[string]string, len(v))
	for name := range v {
		vary[name] = v.Get(name)
	}
	return vary, nil
}
