package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestStorageFS(t *testing.T) {
	log := logs.NewTestingLog(t)
	root := filepath.Join(t.TempDir(), "blobs")
	s, err := NewStorageFS(log, root)
	require.NoError(t, err)

	require.NoError(t, WriteFile(s, "ckpt/run2.ckpt", bytes.NewReader([]byte("two"))))
	require.NoError(t, WriteFile(s, "ckpt/run1.ckpt", bytes.NewReader([]byte("one"))))
	require.NoError(t, WriteFile(s, "other.txt", bytes.NewReader([]byte("x"))))

	b, err := ReadFile(s, "ckpt/run1.ckpt")
	require.NoError(t, err)
	require.Equal(t, "one", string(b))

	files, err := s.List("ckpt/run")
	require.NoError(t, err)
	require.Len(t, files, 2)
	require.Equal(t, "ckpt/run1.ckpt", files[0].Name)
	require.Equal(t, "ckpt/run2.ckpt", files[1].Name)
	require.EqualValues(t, 3, files[1].Size)

	all, err := s.List("")
	require.NoError(t, err)
	require.Len(t, all, 3)

	require.NoError(t, s.DeleteFile("ckpt/run1.ckpt"))
	_, err = ReadFile(s, "ckpt/run1.ckpt")
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = s.WriteFile("../escape")
	require.ErrorIs(t, err, ErrInvalidName)
	require.ErrorIs(t, s.DeleteFile(""), ErrInvalidName)
}
