package localindex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"jmapsync/internal/model"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	root := t.TempDir()
	dbPath := filepath.Join(root, "jmapsync-index.sqlite3")
	maildir := filepath.Join(root, "mail")
	idx, err := Open(dbPath, maildir, false)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func writeMessage(t *testing.T, idx *Index, id, blobId, messageId string) string {
	t.Helper()
	name := id + "." + blobId
	path := filepath.Join(idx.CurDir(), name)
	body := "Message-Id: " + messageId + "\nSubject: hi\n\nbody\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestOpen_RejectsMaildirOutsideIndexRoot(t *testing.T) {
	root := t.TempDir()
	dbPath := filepath.Join(root, "a", "index.sqlite3")
	require.NoError(t, os.MkdirAll(filepath.Dir(dbPath), 0700))
	outside := filepath.Join(t.TempDir(), "mail")
	_, err := Open(dbPath, outside, false)
	require.Error(t, err)
}

func TestParseFilename(t *testing.T) {
	id, blobId, ok := ParseFilename("abc123.blob456")
	require.True(t, ok)
	require.Equal(t, "abc123", id)
	require.Equal(t, "blob456", blobId)

	id, blobId, ok = ParseFilename("abc123.blob456:2,S")
	require.True(t, ok)
	require.Equal(t, "abc123", id)
	require.Equal(t, "blob456", blobId)

	_, _, ok = ParseFilename("not-a-valid-name")
	require.False(t, ok)
}

func TestIndexFileAndAllManaged(t *testing.T) {
	idx := openTestIndex(t)
	path := writeMessage(t, idx, "e1", "b1", "<msg1@example.com>")

	tx, err := idx.Begin()
	require.NoError(t, err)
	le, err := tx.IndexFile(idx, path)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.Equal(t, model.Id("e1"), le.Id)
	require.Equal(t, model.Id("b1"), le.BlobId)
	require.Equal(t, "<msg1@example.com>", le.MessageId)

	all, err := idx.AllManaged()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, path, all[0].Path)
}

func TestUpdateTags_DiffAndApply(t *testing.T) {
	idx := openTestIndex(t)
	path := writeMessage(t, idx, "e1", "b1", "<msg1@example.com>")

	tx, err := idx.Begin()
	require.NoError(t, err)
	le, err := tx.IndexFile(idx, path)
	require.NoError(t, err)

	added, removed, err := tx.UpdateTags(idx, le, map[string]bool{"inbox": true, "unread": true})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"inbox", "unread"}, added)
	require.Empty(t, removed)
	require.NoError(t, tx.Commit())

	require.True(t, le.Tags["inbox"])
	require.True(t, le.Tags["unread"])

	tx2, err := idx.Begin()
	require.NoError(t, err)
	added, removed, err = tx2.UpdateTags(idx, le, map[string]bool{"inbox": true})
	require.NoError(t, err)
	require.Empty(t, added)
	require.Equal(t, []string{"unread"}, removed)
	require.NoError(t, tx2.Commit())

	require.False(t, le.Tags["unread"])
	require.True(t, le.Tags["inbox"])
}

func TestUpdateTags_ReservedTagsNeverMutated(t *testing.T) {
	idx := openTestIndex(t)
	path := writeMessage(t, idx, "e1", "b1", "<msg1@example.com>")

	tx, err := idx.Begin()
	require.NoError(t, err)
	le, err := tx.IndexFile(idx, path)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	// Simulate a reserved tag already present on the message via a raw
	// insert, since the engine itself never writes them.
	tx2, err := idx.Begin()
	require.NoError(t, err)
	_, err = tx2.tx.Exec(`INSERT INTO tags (message_key, tag) VALUES (?, 'attachment')`, "e1.b1")
	require.NoError(t, err)
	require.NoError(t, tx2.Commit())

	tx3, err := idx.Begin()
	require.NoError(t, err)
	added, removed, err := tx3.UpdateTags(idx, le, map[string]bool{})
	require.NoError(t, err)
	require.Empty(t, added)
	require.Empty(t, removed)
	require.NoError(t, tx3.Commit())
}

func TestRemoveFile_DeletesMessageWhenNoPathsRemain(t *testing.T) {
	idx := openTestIndex(t)
	path := writeMessage(t, idx, "e1", "b1", "<msg1@example.com>")

	tx, err := idx.Begin()
	require.NoError(t, err)
	le, err := tx.IndexFile(idx, path)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2, err := idx.Begin()
	require.NoError(t, err)
	require.NoError(t, tx2.RemoveFile(idx, le))
	require.NoError(t, tx2.Commit())

	all, err := idx.AllManaged()
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestModifiedSince(t *testing.T) {
	idx := openTestIndex(t)
	path := writeMessage(t, idx, "e1", "b1", "<msg1@example.com>")

	rev0, err := idx.Revision()
	require.NoError(t, err)
	require.Zero(t, rev0)

	tx, err := idx.Begin()
	require.NoError(t, err)
	_, err = tx.IndexFile(idx, path)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	rev1, err := idx.Revision()
	require.NoError(t, err)
	require.Greater(t, rev1, rev0)

	modified, err := idx.ModifiedSince(rev0)
	require.NoError(t, err)
	require.Len(t, modified, 1)

	modified, err = idx.ModifiedSince(rev1)
	require.NoError(t, err)
	require.Empty(t, modified)
}

func TestByEmailId(t *testing.T) {
	idx := openTestIndex(t)
	path := writeMessage(t, idx, "e1", "b1", "<msg1@example.com>")

	tx, err := idx.Begin()
	require.NoError(t, err)
	_, err = tx.IndexFile(idx, path)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	found, err := idx.ByEmailId("e1")
	require.NoError(t, err)
	require.Len(t, found, 1)

	found, err = idx.ByEmailId("nonexistent")
	require.NoError(t, err)
	require.Empty(t, found)
}
