package storage

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileKeyHashIsStable(t *testing.T) {
	key := FileKey{
		ContextID: "user-1",
		Component: "extension",
		FileArea:  "attachments",
		ItemID:    "req-1",
		Filepath:  "/",
		Filename:  "evidence.pdf",
	}
	require.Equal(t, key.Hash(), key.Hash())

	other := key
	other.Filename = "evidence2.pdf"
	require.NotEqual(t, key.Hash(), other.Hash())
}

func TestAttachmentStoreSaveOverwrites(t *testing.T) {
	store, err := NewAttachmentStore(t.TempDir())
	require.NoError(t, err)

	key := FileKey{ContextID: "user-1", Component: "extension", FileArea: "attachments", ItemID: "req-1", Filepath: "/", Filename: "a.txt"}

	hash1, err := store.Save(key, []byte("first"))
	require.NoError(t, err)
	hash2, err := store.Save(key, []byte("second"))
	require.NoError(t, err)
	require.Equal(t, hash1, hash2)

	file, err := store.Open(hash1)
	require.NoError(t, err)
	defer file.Close()
	content, err := io.ReadAll(file)
	require.NoError(t, err)
	require.Equal(t, "second", string(content))
}

func TestAttachmentStoreDeleteMissingIsNoop(t *testing.T) {
	store, err := NewAttachmentStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Delete("deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"))
	require.False(t, store.Exists("deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"))
}
