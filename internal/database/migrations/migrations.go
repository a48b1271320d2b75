// Package migrations embeds the catalog schema migrations.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed forms/*.sql instances/*.sql
var all embed.FS

// Forms returns the migrations of the forms catalog.
func Forms() fs.FS {
	return sub("forms")
}

// Instances returns the migrations of the instances catalog.
func Instances() fs.FS {
	return sub("instances")
}

func sub(dir string) fs.FS {
	f, err := fs.Sub(all, dir)
	if err != nil {
		panic(err) // directories are fixed at compile time
	}
	return f
}
