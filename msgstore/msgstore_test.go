package msgstore

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestSaveOpenDelete(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	id := uuid.NewString()
	payload := "hello satellite"

	n, digest, err := store.Save(id, strings.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), n)

	sum := sha256.Sum256([]byte(payload))
	require.Equal(t, hex.EncodeToString(sum[:]), digest)
	require.True(t, store.Exists(id))

	f, err := store.Open(id)
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, f.Close())
	require.NoError(t, err)
	require.Equal(t, payload, string(got))

	require.NoError(t, store.Delete(id))
	require.False(t, store.Exists(id))

	// Deleting again is a no-op.
	require.NoError(t, store.Delete(id))
}

func TestSaveOverwrites(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	id := uuid.NewString()
	_, _, err = store.Save(id, strings.NewReader("first"))
	require.NoError(t, err)
	n, _, err := store.Save(id, strings.NewReader("second payload"))
	require.NoError(t, err)
	require.Equal(t, int64(len("second payload")), n)

	f, err := store.Open(id)
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, f.Close())
	require.NoError(t, err)
	require.Equal(t, "second payload", string(got))
}

func TestOpenMissing(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	_, err = store.Open(uuid.NewString())
	require.Error(t, err)
}
