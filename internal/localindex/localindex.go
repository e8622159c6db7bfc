// Package localindex implements the Local Index Adapter (§4.2): the
// layer the sync engine uses to query and mutate the local tag-index
// database. The database engine itself (spec.md's "notmuch-equivalent"
// local index library) is an external collaborator; this package
// stands in for it with a sqlite3-backed implementation exposing the
// same operations (query, atomic scope, index/remove, freeze/thaw tag
// diffing, tag enumeration) the sync engine consumes.
package localindex

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	emessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	_ "github.com/mattn/go-sqlite3"

	"jmapsync/internal/model"
)

// filenamePattern matches the maildir filename convention from §4.2:
// "<id>.<blobId>" optionally followed by a ":" flags suffix.
var filenamePattern = regexp.MustCompile(`^([A-Za-z0-9_-]+)\.([A-Za-z0-9_-]+)(?:$|:)`)

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	message_key TEXT PRIMARY KEY,
	message_id  TEXT NOT NULL DEFAULT '',
	lastmod     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS message_paths (
	message_key TEXT NOT NULL REFERENCES messages(message_key) ON DELETE CASCADE,
	path        TEXT NOT NULL,
	PRIMARY KEY (message_key, path)
);
CREATE INDEX IF NOT EXISTS idx_message_paths_path ON message_paths(path);

CREATE TABLE IF NOT EXISTS tags (
	message_key TEXT NOT NULL REFERENCES messages(message_key) ON DELETE CASCADE,
	tag         TEXT NOT NULL,
	PRIMARY KEY (message_key, tag)
);
CREATE INDEX IF NOT EXISTS idx_tags_tag ON tags(tag);
`

// Index is the local tag-index database, scoped to one managed
// maildir.
type Index struct {
	db       *sql.DB
	maildir  string
	readOnly bool
}

// Open opens (creating if absent and not readOnly) the sqlite database
// at dbPath and validates that maildir is a subdirectory of dbPath's
// parent directory, ensuring cur/new/tmp exist.
func Open(dbPath, maildir string, readOnly bool) (*Index, error) {
	absDB, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, err
	}
	absMaildir, err := filepath.Abs(maildir)
	if err != nil {
		return nil, err
	}
	root := filepath.Dir(absDB)
	rel, err := filepath.Rel(root, absMaildir)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("maildir %q is not a subdirectory of the index root %q", absMaildir, root)
	}

	dsn := absDB
	if readOnly {
		dsn = "file:" + absDB + "?mode=ro"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open local index %q: %w", absDB, err)
	}

	idx := &Index{db: db, maildir: absMaildir, readOnly: readOnly}

	if !readOnly {
		if err := idx.migrate(); err != nil {
			db.Close()
			return nil, err
		}
		for _, sub := range []string{"cur", "new", "tmp"} {
			if err := os.MkdirAll(filepath.Join(absMaildir, sub), 0700); err != nil {
				db.Close()
				return nil, fmt.Errorf("could not create maildir directory %q: %w", sub, err)
			}
		}
	}

	return idx, nil
}

func (idx *Index) migrate() error {
	_, err := idx.db.Exec(schema)
	return err
}

// Close releases the database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// CurDir returns the managed maildir's cur/ directory, where indexed
// files live.
func (idx *Index) CurDir() string {
	return filepath.Join(idx.maildir, "cur")
}

// Revision returns the current monotonically increasing revision
// counter.
func (idx *Index) Revision() (uint64, error) {
	var v sql.NullString
	err := idx.db.QueryRow(`SELECT value FROM meta WHERE key = 'revision'`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var rev uint64
	if _, err := fmt.Sscanf(v.String, "%d", &rev); err != nil {
		return 0, err
	}
	return rev, nil
}

func bumpRevisionTx(tx *sql.Tx) (uint64, error) {
	var v sql.NullString
	err := tx.QueryRow(`SELECT value FROM meta WHERE key = 'revision'`).Scan(&v)
	var rev uint64
	if err == nil {
		fmt.Sscanf(v.String, "%d", &rev)
	} else if err != sql.ErrNoRows {
		return 0, err
	}
	rev++
	if _, err := tx.Exec(`INSERT INTO meta (key, value) VALUES ('revision', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, fmt.Sprintf("%d", rev)); err != nil {
		return 0, err
	}
	return rev, nil
}

// Txn is the atomic scope §4.6 steps run inside. All mutation methods
// on Index require one.
type Txn struct {
	tx *sql.Tx
}

// Begin starts the atomic scope.
func (idx *Index) Begin() (*Txn, error) {
	tx, err := idx.db.Begin()
	if err != nil {
		return nil, err
	}
	return &Txn{tx: tx}, nil
}

// Commit ends the atomic scope successfully.
func (t *Txn) Commit() error {
	return t.tx.Commit()
}

// Rollback aborts the atomic scope; the index must treat every change
// made inside it as if it never happened.
func (t *Txn) Rollback() error {
	return t.tx.Rollback()
}

// ParseFilename splits a maildir basename into its JMAP id and blobId
// per the §4.2 regex. ok is false if the name doesn't match.
func ParseFilename(name string) (id, blobId string, ok bool) {
	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

func messageKey(id, blobId string) string {
	return id + "." + blobId
}

// AllManaged returns one LocalEmail per indexed path under cur/,
// with reserved tags filtered out.
func (idx *Index) AllManaged() ([]*model.LocalEmail, error) {
	return idx.query(`
		SELECT mp.path, m.message_key, m.message_id
		FROM message_paths mp
		JOIN messages m ON m.message_key = mp.message_key
	`)
}

// ModifiedSince returns one LocalEmail per indexed path whose message
// was last modified after rev (i.e. lastmod > rev).
func (idx *Index) ModifiedSince(rev uint64) ([]*model.LocalEmail, error) {
	return idx.query(`
		SELECT mp.path, m.message_key, m.message_id
		FROM message_paths mp
		JOIN messages m ON m.message_key = mp.message_key
		WHERE m.lastmod > ?
	`, rev)
}

func (idx *Index) query(q string, args ...any) ([]*model.LocalEmail, error) {
	rows, err := idx.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.LocalEmail
	curDir := idx.CurDir()
	for rows.Next() {
		var path, messageKey, messageId string
		if err := rows.Scan(&path, &messageKey, &messageId); err != nil {
			return nil, err
		}
		if !strings.HasPrefix(path, curDir+string(filepath.Separator)) {
			continue
		}
		id, blobId, ok := ParseFilename(filepath.Base(path))
		if !ok {
			continue
		}
		tags, err := idx.tagsFor(messageKey)
		if err != nil {
			return nil, err
		}
		out = append(out, &model.LocalEmail{
			Id:        model.Id(id),
			BlobId:    model.Id(blobId),
			MessageId: messageId,
			Path:      path,
			Tags:      tags,
		})
	}
	return out, rows.Err()
}

func (idx *Index) tagsFor(messageKey string) (map[string]bool, error) {
	rows, err := idx.db.Query(`SELECT tag FROM tags WHERE message_key = ?`, messageKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tags := make(map[string]bool)
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		if !model.ReservedTags[tag] {
			tags[tag] = true
		}
	}
	return tags, rows.Err()
}

// ByEmailId fetches every indexed path for a given JMAP email id.
func (idx *Index) ByEmailId(id string) ([]*model.LocalEmail, error) {
	rows, err := idx.db.Query(`
		SELECT mp.path, m.message_key, m.message_id
		FROM message_paths mp
		JOIN messages m ON m.message_key = mp.message_key
		WHERE m.message_key LIKE ?
	`, id+".%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.LocalEmail
	for rows.Next() {
		var path, messageKey, messageId string
		if err := rows.Scan(&path, &messageKey, &messageId); err != nil {
			return nil, err
		}
		parsedId, blobId, ok := ParseFilename(filepath.Base(path))
		if !ok || parsedId != id {
			continue
		}
		tags, err := idx.tagsFor(messageKey)
		if err != nil {
			return nil, err
		}
		out = append(out, &model.LocalEmail{
			Id: model.Id(parsedId), BlobId: model.Id(blobId), MessageId: messageId, Path: path, Tags: tags,
		})
	}
	return out, rows.Err()
}

// IndexFile indexes the symlink/file at path (already placed in cur/ by
// LinkStage), parsing the Message-Id header from it and recording it
// under the filename's <id>.<blobId>. Returns the resulting LocalEmail.
func (t *Txn) IndexFile(idx *Index, path string) (*model.LocalEmail, error) {
	id, blobId, ok := ParseFilename(filepath.Base(path))
	if !ok {
		return nil, fmt.Errorf("file %q does not match the maildir naming convention", path)
	}
	key := messageKey(id, blobId)

	messageId, err := readMessageIdHeader(path)
	if err != nil {
		return nil, fmt.Errorf("could not read headers of %q: %w", path, err)
	}

	rev, err := bumpRevisionTx(t.tx)
	if err != nil {
		return nil, err
	}

	if _, err := t.tx.Exec(`
		INSERT INTO messages (message_key, message_id, lastmod) VALUES (?, ?, ?)
		ON CONFLICT(message_key) DO UPDATE SET message_id = excluded.message_id, lastmod = excluded.lastmod
	`, key, messageId, rev); err != nil {
		return nil, err
	}
	if _, err := t.tx.Exec(`INSERT OR IGNORE INTO message_paths (message_key, path) VALUES (?, ?)`, key, path); err != nil {
		return nil, err
	}

	return &model.LocalEmail{
		Id: model.Id(id), BlobId: model.Id(blobId), MessageId: messageId, Path: path,
		Tags: make(map[string]bool),
	}, nil
}

// RemoveFile removes path from the index, deleting the owning message
// entirely once it has no remaining paths.
func (t *Txn) RemoveFile(idx *Index, le *model.LocalEmail) error {
	key := messageKey(string(le.Id), string(le.BlobId))
	if _, err := t.tx.Exec(`DELETE FROM message_paths WHERE message_key = ? AND path = ?`, key, le.Path); err != nil {
		return err
	}
	var remaining int
	if err := t.tx.QueryRow(`SELECT COUNT(*) FROM message_paths WHERE message_key = ?`, key).Scan(&remaining); err != nil {
		return err
	}
	if remaining == 0 {
		if _, err := t.tx.Exec(`DELETE FROM tags WHERE message_key = ?`, key); err != nil {
			return err
		}
		if _, err := t.tx.Exec(`DELETE FROM messages WHERE message_key = ?`, key); err != nil {
			return err
		}
	}
	return nil
}

// UpdateTags implements the §4.2 "Tag update" algorithm: freeze,
// compute the diff against desired (excluding reserved tags from
// consideration in both directions), apply removals then additions,
// thaw. It mutates le.Tags to reflect the new extant set and returns
// the tags actually added/removed for logging.
func (t *Txn) UpdateTags(idx *Index, le *model.LocalEmail, desired map[string]bool) (added, removed []string, err error) {
	key := messageKey(string(le.Id), string(le.BlobId))

	extant, err := idx.tagsForTx(t.tx, key)
	if err != nil {
		return nil, nil, err
	}

	for tag := range extant {
		if !desired[tag] && !model.ReservedTags[tag] {
			removed = append(removed, tag)
		}
	}
	for tag := range desired {
		if !extant[tag] && !model.ReservedTags[tag] {
			added = append(added, tag)
		}
	}

	if len(removed) == 0 && len(added) == 0 {
		return nil, nil, nil
	}

	rev, err := bumpRevisionTx(t.tx)
	if err != nil {
		return nil, nil, err
	}

	for _, tag := range removed {
		if _, err := t.tx.Exec(`DELETE FROM tags WHERE message_key = ? AND tag = ?`, key, tag); err != nil {
			return nil, nil, err
		}
		delete(le.Tags, tag)
	}
	for _, tag := range added {
		if _, err := t.tx.Exec(`INSERT OR IGNORE INTO tags (message_key, tag) VALUES (?, ?)`, key, tag); err != nil {
			return nil, nil, err
		}
		le.Tags[tag] = true
	}
	if _, err := t.tx.Exec(`UPDATE messages SET lastmod = ? WHERE message_key = ?`, rev, key); err != nil {
		return nil, nil, err
	}

	return added, removed, nil
}

func (idx *Index) tagsForTx(tx *sql.Tx, key string) (map[string]bool, error) {
	rows, err := tx.Query(`SELECT tag FROM tags WHERE message_key = ?`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tags := make(map[string]bool)
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags[tag] = true
	}
	return tags, rows.Err()
}

// AllTags enumerates every tag currently present in the index.
func (idx *Index) AllTags() ([]string, error) {
	rows, err := idx.db.Query(`SELECT DISTINCT tag FROM tags`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// readMessageIdHeader reads just the header block of an RFC 5322
// message for its Message-Id, via the same go-message parser the send
// path uses (the sync engine never needs the body, and go-message's
// Entity leaves it unread until something calls entity.Body.Read).
func readMessageIdHeader(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	entity, err := emessage.Read(f)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(entity.Header.Get("Message-Id")), nil
}
