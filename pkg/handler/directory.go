package handler

import (
	"html/template"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/raphaelreyna/spidey/pkg/http10"
)

type dirEntry struct {
	Name string
	Href string
}

var dirListTemplate = template.Must(template.New("dir").Parse(
	"<ul>{{if .}}\n{{range .}}<li><a href=\"{{.Href}}\">{{.Name}}</a></li>\n{{end}}{{end}}</ul>\n"))

// Directory writes an HTML listing of the directory at path. Links are built
// from uri, the request URI that resolved to path. Entries are sorted by byte
// order; "." is omitted and ".." is listed with the other entries.
func Directory(w io.Writer, path, uri string) (http10.Status, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return Error(w, http10.StatusNotFound), err
	}

	names := make([]string, 0, len(entries)+1)
	if len(entries) > 0 {
		names = append(names, "..")
	}
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	// "/" and "/dir/" must not produce a doubled slash
	prefix := strings.TrimSuffix(uri, "/")
	list := make([]dirEntry, 0, len(names))
	for _, name := range names {
		list = append(list, dirEntry{Name: name, Href: prefix + "/" + url.PathEscape(name)})
	}

	if err := http10.WriteHead(w, http10.StatusOK, "text/html"); err != nil {
		return http10.StatusOK, err
	}
	return http10.StatusOK, dirListTemplate.Execute(w, list)
}
