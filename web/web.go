// Package web embeds the static web UI bundle served by the HTTP API's
// static fallback (§4.E, §6).
package web

import (
	"embed"
	"io/fs"
)

//go:embed static
var bundle embed.FS

// Assets returns the embedded bundle rooted at its "static" directory, so
// callers can look up paths like "index.html" directly.
func Assets() fs.FS {
	sub, err := fs.Sub(bundle, "static")
	if err != nil {
		panic(err)
	}
	return sub
}
