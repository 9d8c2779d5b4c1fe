package handler

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelreyna/spidey/pkg/cgi"
	"github.com/raphaelreyna/spidey/pkg/fsroot"
	"github.com/raphaelreyna/spidey/pkg/http10"
	"github.com/raphaelreyna/spidey/pkg/mime"
)

const okHead = "HTTP/1.0 200 OK\r\nContent-Type: text/html\r\n\r\n"

// newSite builds a small document root:
//
//	index.html
//	empty.txt
//	script.cgi   (0755)
//	docs/b.txt docs/a.txt docs/C.txt
//	emptydir/
func newSite(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("<p>hi</p>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "empty.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "script.cgi"),
		[]byte("#!/bin/sh\nprintf 'HTTP/1.0 200 OK\\r\\nContent-Type: text/plain\\r\\n\\r\\n%s' \"$QUERY_STRING\"\n"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "emptydir"), 0o755))
	for _, name := range []string{"b.txt", "a.txt", "C.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, "docs", name), []byte(name), 0o644))
	}
	return root
}

func newDispatcher(t *testing.T, root string) *Dispatcher {
	t.Helper()
	r, err := fsroot.New(root)
	require.NoError(t, err)
	table := mime.New("application/octet-stream")
	require.NoError(t, table.Parse(strings.NewReader("text/html\thtml htm\ntext/plain\ttxt\n")))
	return &Dispatcher{
		Resolver: r,
		Mime:     table,
		CGI:      &cgi.Handler{Root: r.Root(), Port: "8888", Stderr: &bytes.Buffer{}},
	}
}

func TestClassify(t *testing.T) {
	root := newSite(t)

	tt := []struct {
		Name string
		Path string
		Want Kind
	}{
		{"directory", root, KindDirectory},
		{"executable and readable runs as cgi", filepath.Join(root, "script.cgi"), KindExecutable},
		{"readable file", filepath.Join(root, "index.html"), KindFile},
	}

	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			kind, err := Classify(tc.Path)
			require.NoError(t, err)
			assert.Equal(t, tc.Want, kind)
		})
	}

	_, err := Classify(filepath.Join(root, "missing"))
	assert.Error(t, err)
}

func TestClassifyNoPermission(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can read any file")
	}
	path := filepath.Join(t.TempDir(), "locked")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o000))

	kind, err := Classify(path)
	require.NoError(t, err)
	assert.Equal(t, KindUnreachable, kind)
}

func TestDirectory(t *testing.T) {
	root := newSite(t)

	var out bytes.Buffer
	status, err := Directory(&out, filepath.Join(root, "docs"), "/docs")
	require.NoError(t, err)
	assert.Equal(t, http10.StatusOK, status)

	want := okHead + "<ul>\n" +
		"<li><a href=\"/docs/..\">..</a></li>\n" +
		"<li><a href=\"/docs/C.txt\">C.txt</a></li>\n" +
		"<li><a href=\"/docs/a.txt\">a.txt</a></li>\n" +
		"<li><a href=\"/docs/b.txt\">b.txt</a></li>\n" +
		"</ul>\n"
	assert.Equal(t, want, out.String())
}

func TestDirectoryRootHasNoDoubleSlash(t *testing.T) {
	root := newSite(t)

	for _, uri := range []string{"/", "/docs/"} {
		var out bytes.Buffer
		dir := root
		if uri != "/" {
			dir = filepath.Join(root, "docs")
		}
		_, err := Directory(&out, dir, uri)
		require.NoError(t, err)
		assert.NotContains(t, out.String(), "href=\"//")
		assert.NotContains(t, out.String(), "docs//")
	}

	var out bytes.Buffer
	_, err := Directory(&out, root, "/")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "<li><a href=\"/index.html\">index.html</a></li>")
	assert.NotContains(t, out.String(), ">.<")
}

func TestDirectoryEscapesNames(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a b&<c>.txt"), nil, 0o644))

	var out bytes.Buffer
	_, err := Directory(&out, dir, "/x")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "href=\"/x/a%20b&amp;%3Cc%3E.txt\"")
	assert.Contains(t, out.String(), ">a b&amp;&lt;c&gt;.txt<")
}

func TestDirectoryEmpty(t *testing.T) {
	var out bytes.Buffer
	status, err := Directory(&out, t.TempDir(), "/emptydir")
	require.NoError(t, err)
	assert.Equal(t, http10.StatusOK, status)
	assert.Equal(t, okHead+"<ul></ul>\n", out.String())
}

func TestDirectoryMissing(t *testing.T) {
	var out bytes.Buffer
	status, err := Directory(&out, filepath.Join(t.TempDir(), "gone"), "/gone")
	assert.Error(t, err)
	assert.Equal(t, http10.StatusNotFound, status)
	assert.True(t, strings.HasPrefix(out.String(), "HTTP/1.0 404 Not Found\r\n"))
}

func TestFile(t *testing.T) {
	root := newSite(t)

	var out bytes.Buffer
	status, err := File(&out, filepath.Join(root, "index.html"), "text/html", 4)
	require.NoError(t, err)
	assert.Equal(t, http10.StatusOK, status)
	assert.Equal(t, okHead+"<p>hi</p>", out.String())
}

func TestFileEmpty(t *testing.T) {
	root := newSite(t)

	var out bytes.Buffer
	status, err := File(&out, filepath.Join(root, "empty.txt"), "text/plain", 0)
	require.NoError(t, err)
	assert.Equal(t, http10.StatusOK, status)
	assert.Equal(t, "HTTP/1.0 200 OK\r\nContent-Type: text/plain\r\n\r\n", out.String())
}

func TestFileOpenFailure(t *testing.T) {
	var out bytes.Buffer
	status, err := File(&out, filepath.Join(t.TempDir(), "vanished"), "text/plain", 0)
	assert.Error(t, err)
	assert.Equal(t, http10.StatusInternalServerError, status)
	assert.True(t, strings.HasPrefix(out.String(), "HTTP/1.0 500 Internal Server Error\r\n"))
}

type shortWriter struct {
	written int
	limit   int
}

func (s *shortWriter) Write(p []byte) (int, error) {
	if s.written+len(p) > s.limit {
		n := s.limit - s.written
		s.written = s.limit
		return n, nil
	}
	s.written += len(p)
	return len(p), nil
}

type failWriter struct{}

func (failWriter) Write(p []byte) (int, error) { return 0, errors.New("broken pipe") }

func TestFileAbortsOnPartialWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.bin")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("z"), 1<<16), 0o644))

	status, err := File(&shortWriter{limit: 1000}, path, "application/octet-stream", 512)
	assert.ErrorIs(t, err, errShortWrite)
	assert.Equal(t, http10.StatusInternalServerError, status)

	status, err = File(failWriter{}, path, "application/octet-stream", 512)
	assert.Error(t, err)
	assert.Equal(t, http10.StatusInternalServerError, status)
}

func TestError(t *testing.T) {
	for _, status := range []http10.Status{http10.StatusBadRequest, http10.StatusNotFound, http10.StatusInternalServerError} {
		var out bytes.Buffer
		assert.Equal(t, status, Error(&out, status))
		assert.Equal(t, "HTTP/1.0 "+status.String()+"\r\nContent-Type: text/html\r\n\r\n<h1>"+status.String()+"</h1>\r\n", out.String())
	}
	assert.Equal(t, http10.StatusNotFound, Error(failWriter{}, http10.StatusNotFound))
}

func TestDispatcherServe(t *testing.T) {
	root := newSite(t)
	d := newDispatcher(t, root)

	type test struct {
		Name   string
		URI    string
		Query  string
		Kind   Kind
		Status http10.Status
		Prefix string
		Body   string
	}

	tt := []test{
		{
			Name:   "static file",
			URI:    "/index.html",
			Kind:   KindFile,
			Status: http10.StatusOK,
			Prefix: okHead,
			Body:   "<p>hi</p>",
		},
		{
			Name:   "dot segments",
			URI:    "/docs/../empty.txt",
			Kind:   KindFile,
			Status: http10.StatusOK,
			Prefix: "HTTP/1.0 200 OK\r\nContent-Type: text/plain\r\n\r\n",
		},
		{
			Name:   "directory",
			URI:    "/docs",
			Kind:   KindDirectory,
			Status: http10.StatusOK,
			Prefix: okHead + "<ul>\n",
		},
		{
			Name:   "cgi wins over file",
			URI:    "/script.cgi",
			Query:  "a=b",
			Kind:   KindExecutable,
			Status: http10.StatusOK,
			Prefix: "HTTP/1.0 200 OK\r\nContent-Type: text/plain\r\n\r\n",
			Body:   "a=b",
		},
		{
			Name:   "missing",
			URI:    "/nope.html",
			Kind:   KindUnreachable,
			Status: http10.StatusNotFound,
			Prefix: "HTTP/1.0 404 Not Found\r\n",
		},
		{
			Name:   "escape",
			URI:    "/../../../../etc/passwd",
			Kind:   KindUnreachable,
			Status: http10.StatusNotFound,
			Prefix: "HTTP/1.0 404 Not Found\r\n",
		},
	}

	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			req := &http10.Request{Method: "GET", URI: tc.URI, Query: tc.Query}
			var out bytes.Buffer
			kind, status := d.Serve(context.Background(), &out, req)
			assert.Equal(t, tc.Kind, kind)
			assert.Equal(t, tc.Status, status)
			assert.True(t, strings.HasPrefix(out.String(), tc.Prefix), out.String())
			if tc.Body != "" {
				assert.True(t, strings.HasSuffix(out.String(), tc.Body), out.String())
			}
			if tc.Status == http10.StatusOK {
				assert.True(t, strings.HasPrefix(req.Path, d.Resolver.Root()))
			} else {
				assert.Empty(t, req.Path)
			}
		})
	}
}

func TestDispatcherCGIStartFailure(t *testing.T) {
	root := t.TempDir()
	// executable bit without a valid interpreter
	require.NoError(t, os.WriteFile(filepath.Join(root, "broken.cgi"), []byte("#!/nonexistent/interpreter\n"), 0o755))
	d := newDispatcher(t, root)

	var out bytes.Buffer
	kind, status := d.Serve(context.Background(), &out, &http10.Request{Method: "GET", URI: "/broken.cgi"})
	assert.Equal(t, KindExecutable, kind)
	assert.Equal(t, http10.StatusInternalServerError, status)
	assert.True(t, strings.HasPrefix(out.String(), "HTTP/1.0 500 Internal Server Error\r\n"))
}
