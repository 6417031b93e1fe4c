package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordingWalker(recursive bool, fail map[string]error) (*treeWalker, *[]string) {
	var seen []string
	var next Token
	w := &treeWalker{
		recursive: recursive,
		logger:    lg,
		register: func(dir string) (Registration, error) {
			if err, ok := fail[dir]; ok {
				return Registration{}, err
			}
			next++
			seen = append(seen, dir)
			return Registration{Token: next, Dir: dir}, nil
		},
	}
	return w, &seen
}

func TestWalker_Recursive(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "x/y", "z")
	touch(t, filepath.Join(root, "x", "f.txt"))

	w, seen := recordingWalker(true, nil)
	res, err := w.walk(root, false)
	require.NoError(t, err)

	expected := []string{root, filepath.Join(root, "x"), filepath.Join(root, "x", "y"), filepath.Join(root, "z")}
	assert.Equal(t, expected, *seen)
	require.Len(t, res.Registrations, 4)
	for i, reg := range res.Registrations {
		assert.Equal(t, expected[i], reg.Dir)
		assert.Equal(t, Token(i+1), reg.Token)
	}
	assert.Empty(t, res.Skipped)
	assert.Empty(t, res.Found, "nothing is collected unless asked.")
}

func TestWalker_NonRecursive(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "x/y")

	w, seen := recordingWalker(false, nil)
	res, err := w.walk(root, true)
	require.NoError(t, err)

	assert.Equal(t, []string{root}, *seen)
	assert.Len(t, res.Registrations, 1)
	assert.Empty(t, res.Found)
}

func TestWalker_Collect(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "b/c")
	touch(t, filepath.Join(root, "a.txt"))
	touch(t, filepath.Join(root, "b", "c", "d.txt"))

	w, _ := recordingWalker(true, nil)
	res, err := w.walk(root, true)
	require.NoError(t, err)

	assert.Equal(t, []Event{
		{Kind: Created, Path: filepath.Join(root, "a.txt")},
		{Kind: Created, Path: filepath.Join(root, "b"), IsDir: true},
		{Kind: Created, Path: filepath.Join(root, "b", "c"), IsDir: true},
		{Kind: Created, Path: filepath.Join(root, "b", "c", "d.txt")},
	}, res.Found)
}

func TestWalker_DoesNotFollowSymlinks(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	mkdirs(t, outside, "elsewhere")

	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skip("symlinks not supported: ", err)
	}
	// a cycle back to the root
	require.NoError(t, os.Symlink(root, filepath.Join(root, "loop")))

	w, seen := recordingWalker(true, nil)
	res, err := w.walk(root, true)
	require.NoError(t, err)

	assert.Equal(t, []string{root}, *seen)
	assert.Equal(t, []Event{
		{Kind: Created, Path: filepath.Join(root, "link")},
		{Kind: Created, Path: filepath.Join(root, "loop")},
	}, res.Found)
}

func TestWalker_SkipsFailedDirectories(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "a/inner", "b")

	denied := filepath.Join(root, "a")
	w, seen := recordingWalker(true, map[string]error{denied: ErrPermission})
	res, err := w.walk(root, false)
	require.NoError(t, err, "a partial walk is not an error.")

	assert.Equal(t, []string{root, filepath.Join(root, "b")}, *seen)
	require.Len(t, res.Skipped, 1)
	assert.ErrorIs(t, res.Skipped[0], ErrPermission)
}

func TestWalker_UnreadableDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}

	root := t.TempDir()
	mkdirs(t, root, "locked/hidden", "open")
	locked := filepath.Join(root, "locked")
	require.NoError(t, os.Chmod(locked, 0o000))
	defer os.Chmod(locked, 0o755)

	w, seen := recordingWalker(true, nil)
	res, err := w.walk(root, false)
	require.NoError(t, err)

	// registered, but its children could not be listed
	assert.Equal(t, []string{root, locked, filepath.Join(root, "open")}, *seen)
	require.Len(t, res.Skipped, 1)
	assert.ErrorIs(t, res.Skipped[0], ErrPermission)
}

func TestWalker_RootErrors(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "file")
	touch(t, file)

	for _, recursive := range []bool{true, false} {
		w, seen := recordingWalker(recursive, nil)

		_, err := w.walk(filepath.Join(root, "missing"), false)
		assert.ErrorIs(t, err, ErrPathNotFound)

		_, err = w.walk(file, false)
		assert.ErrorIs(t, err, ErrNotDirectory)

		assert.Empty(t, *seen)
	}

	boom := errors.New("backend refused")
	w, _ := recordingWalker(true, map[string]error{root: boom})
	_, err := w.walk(root, false)
	assert.ErrorIs(t, err, boom, "failing to register the root aborts the walk.")
}

func TestWalker_AbortsWhenStopped(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "a", "b")

	w, seen := recordingWalker(true, map[string]error{filepath.Join(root, "a"): errNotRunning})
	_, err := w.walk(root, false)
	assert.ErrorIs(t, err, errNotRunning)
	assert.Equal(t, []string{root}, *seen, "b is never reached.")
}
