package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := Open(t.TempDir())
	require.NoError(t, err, "failed to open a badger store under a temp dir")
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBadgerStore_SaveLoadDeleteTransfer(t *testing.T) {
	store := openTestStore(t)

	record := []byte("a fake transfer record")
	require.NoError(t, store.SaveTransfer("t1", record))

	got, err := store.LoadTransfer("t1")
	require.NoError(t, err)
	require.Equal(t, record, got)

	require.NoError(t, store.DeleteTransfer("t1"))
	_, err = store.LoadTransfer("t1")
	require.Error(t, err, "expected an error loading a deleted transfer")
}

func TestBadgerStore_SaveLoadResumeState(t *testing.T) {
	store := openTestStore(t)

	state := []byte("a fake resume-state blob")
	require.NoError(t, store.SaveResumeState("t1", state))

	got, err := store.LoadResumeState("t1")
	require.NoError(t, err)
	require.Equal(t, state, got)
}

// Tests that DeleteTransfer also removes any associated resume state, since
// it too is scoped to the transfer's lifetime.
func TestBadgerStore_DeleteTransfer_AlsoDeletesResumeState(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.SaveTransfer("t4", []byte("record")))
	require.NoError(t, store.SaveResumeState("t4", []byte("resume")))

	require.NoError(t, store.DeleteTransfer("t4"))

	_, err := store.LoadResumeState("t4")
	require.Error(t, err, "expected an error loading resume state for a deleted transfer")
}

func TestBadgerStore_UploadToken(t *testing.T) {
	store := openTestStore(t)

	token := []byte("opaque-upload-token")
	require.NoError(t, store.SaveUploadToken("t2", token))

	got, err := store.LoadUploadToken("t2")
	require.NoError(t, err)
	require.Equal(t, token, got)
}

// Tests that DeleteTransfer also removes any associated upload token, since
// a token is scoped to the transfer's lifetime.
func TestBadgerStore_DeleteTransfer_AlsoDeletesToken(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.SaveTransfer("t3", []byte("record")))
	require.NoError(t, store.SaveUploadToken("t3", []byte("token")))

	require.NoError(t, store.DeleteTransfer("t3"))

	_, err := store.LoadUploadToken("t3")
	require.Error(t, err, "expected an error loading a token for a deleted transfer")
}

func TestBadgerStore_ListTransferIDs(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.SaveTransfer("a", []byte("1")))
	require.NoError(t, store.SaveTransfer("b", []byte("2")))

	ids, err := store.ListTransferIDs()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, ids)
}
