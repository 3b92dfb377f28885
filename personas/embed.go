// Package defaultpersonas ships the persona catalog used when the
// configuration does not point at one. It lives at the repository root
// so go:embed can reach the files.
package defaultpersonas

import "embed"

// File and ModulesDir locate the catalog inside FS.
const (
	File       = "personas.yaml"
	ModulesDir = "identity"
)

// FS contains personas.yaml and the identity modules.
//
//go:embed personas.yaml identity/*.md
var FS embed.FS
