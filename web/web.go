// Package web embeds the HTML templates and static assets served by the
// HTTP layer.
package web

import (
	"embed"
	"html/template"
	"io/fs"
)

//go:embed templates/*.html static/*
var files embed.FS

var funcs = template.FuncMap{
	"barWidth": func(pct int) int { return min(max(pct, 0), 100) },
}

func Templates() (*template.Template, error) {
	return template.New("").Funcs(funcs).ParseFS(files, "templates/*.html")
}

func Static() fs.FS {
	sub, err := fs.Sub(files, "static")
	if err != nil {
		panic(err)
	}
	return sub
}
