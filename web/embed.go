// Package web embeds the single-page UI served by cvat-export-server.
package web

import "embed"

// Dist holds the built UI.
//
//go:embed dist
var Dist embed.FS
