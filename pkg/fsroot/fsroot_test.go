package fsroot

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTree builds:
//
//	outside/secret.txt
//	www/index.html
//	www/a/b.txt
//	www/in  -> www/a
//	www/out -> outside
//	www/passwd -> outside/secret.txt
func newTree(t *testing.T) (root, outside string) {
	t.Helper()
	base := t.TempDir()
	root = filepath.Join(base, "www")
	outside = filepath.Join(base, "outside")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a"), 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "b.txt"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(root, "a"), filepath.Join(root, "in")))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "out")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "passwd")))
	return root, outside
}

func TestResolveInsideRoot(t *testing.T) {
	root, _ := newTree(t)
	r, err := New(root)
	require.NoError(t, err)

	tt := []struct {
		URI  string
		Want string
	}{
		{"/", ""},
		{"", ""},
		{"/index.html", "index.html"},
		{"/a/b.txt", "a/b.txt"},
		{"/a/../index.html", "index.html"},
		{"/./a/./b.txt", "a/b.txt"},
		{"/in/b.txt", "a/b.txt"},
		{"/a%2fb.txt", "a/b.txt"},
		{"//a//b.txt", "a/b.txt"},
	}

	for _, tc := range tt {
		t.Run(tc.URI, func(t *testing.T) {
			got, err := r.Resolve(tc.URI)
			require.NoError(t, err)
			want := filepath.Join(r.Root(), tc.Want)
			assert.Equal(t, want, got)
			assert.True(t, strings.HasPrefix(got, r.Root()))
		})
	}
}

func TestResolveRejectsEscapes(t *testing.T) {
	root, _ := newTree(t)
	r, err := New(root)
	require.NoError(t, err)

	tt := []string{
		"/../../etc/passwd",
		"/a/../../b",
		"/..",
		"/../outside/secret.txt",
		"/a/../../outside/secret.txt",
		"/%2e%2e/outside/secret.txt",
		"/out/secret.txt",
		"/out",
		"/passwd",
		"/missing.txt",
		"/a/missing/deeper",
		"/bad%zzescape",
	}

	for _, uri := range tt {
		t.Run(uri, func(t *testing.T) {
			got, err := r.Resolve(uri)
			require.ErrorIs(t, err, ErrNotFound)
			assert.Empty(t, got)
		})
	}
}

func TestResolveEscapeIsDistinguishable(t *testing.T) {
	root, _ := newTree(t)
	r, err := New(root)
	require.NoError(t, err)

	_, err = r.Resolve("/out/secret.txt")
	assert.ErrorIs(t, err, ErrEscapesRoot)

	_, err = r.Resolve("/nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrEscapesRoot)
}

func TestContainsIsDirectoryPrefix(t *testing.T) {
	r := &Resolver{root: "/srv/www"}
	assert.True(t, r.Contains("/srv/www"))
	assert.True(t, r.Contains("/srv/www/a"))
	assert.False(t, r.Contains("/srv/www2"))
	assert.False(t, r.Contains("/srv/www2/a"))
	assert.False(t, r.Contains("/srv"))

	slash := &Resolver{root: "/"}
	assert.True(t, slash.Contains("/etc/passwd"))
}

func TestNewRequiresDirectory(t *testing.T) {
	root, _ := newTree(t)

	_, err := New(filepath.Join(root, "index.html"))
	assert.Error(t, err)

	_, err = New(filepath.Join(root, "does-not-exist"))
	assert.Error(t, err)
}

func TestNewCanonicalizesSymlinkedRoot(t *testing.T) {
	root, _ := newTree(t)
	link := filepath.Join(t.TempDir(), "site")
	require.NoError(t, os.Symlink(root, link))

	r, err := New(link)
	require.NoError(t, err)

	got, err := r.Resolve("/index.html")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, r.Root()+string(filepath.Separator)))
}
