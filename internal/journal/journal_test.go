package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func TestAppendAndReplay(t *testing.T) {
	j, _ := openTemp(t)

	require.NoError(t, j.Append(EntryMaterialized, "fp-1", "evt-1"))
	require.NoError(t, j.Append(EntryMaterialized, "fp-2", "evt-2"))
	require.NoError(t, j.Append(EntryDeleted, "fp-1", "evt-1"))

	var seen []Entry
	require.NoError(t, j.Replay(func(e Entry) error {
		seen = append(seen, e)
		return nil
	}))

	require.Len(t, seen, 3)
	assert.Equal(t, uint64(1), seen[0].Seq)
	assert.Equal(t, uint64(3), seen[2].Seq)
	assert.Equal(t, EntryDeleted, seen[2].Type)
	assert.Equal(t, uint64(3), j.LastSeq())
}

func TestIndexAppliesDeletes(t *testing.T) {
	j, _ := openTemp(t)

	require.NoError(t, j.Append(EntryMaterialized, "fp-1", "evt-1"))
	require.NoError(t, j.Append(EntryMaterialized, "fp-2", "evt-2"))
	require.NoError(t, j.Append(EntryDeleted, "fp-1", "evt-1"))

	idx, err := j.Index()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"fp-2": "evt-2"}, idx)
}

func TestReopenResumesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")

	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Append(EntryMaterialized, "fp-1", "evt-1"))
	require.NoError(t, j.Append(EntryMaterialized, "fp-2", "evt-2"))
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, uint64(2), j.LastSeq())

	require.NoError(t, j.Append(EntryMaterialized, "fp-3", "evt-3"))
	idx, err := j.Index()
	require.NoError(t, err)
	assert.Len(t, idx, 3)
}

func TestTornTailIsTolerated(t *testing.T) {
	j, path := openTemp(t)
	require.NoError(t, j.Append(EntryMaterialized, "fp-1", "evt-1"))

	// Simulate a crash in the middle of writing the next line.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"MATERIA`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	err = j.Replay(func(Entry) error { return nil })
	assert.ErrorIs(t, err, ErrCorruptedJournal)

	idx, err := j.Index()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"fp-1": "evt-1"}, idx)
}

func TestChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	line := `{"seq":1,"type":"MATERIALIZED","fingerprint":"fp","external_id":"evt","timestamp":0,"checksum":1}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(line), 0o644))

	j, err := Open(path)
	require.NoError(t, err)
	defer j.Close()

	err = j.Replay(func(Entry) error { return nil })
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestResetAndClose(t *testing.T) {
	j, _ := openTemp(t)
	require.NoError(t, j.Append(EntryMaterialized, "fp-1", "evt-1"))

	require.NoError(t, j.Reset())
	idx, err := j.Index()
	require.NoError(t, err)
	assert.Empty(t, idx)
	assert.Equal(t, uint64(0), j.LastSeq())

	require.NoError(t, j.Append(EntryMaterialized, "fp-2", "evt-2"))
	idx, err = j.Index()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"fp-2": "evt-2"}, idx)

	require.NoError(t, j.Close())
	assert.ErrorIs(t, j.Append(EntryMaterialized, "fp", "evt"), ErrClosed)
	assert.ErrorIs(t, j.Reset(), ErrClosed)
	assert.NoError(t, j.Close())
}
