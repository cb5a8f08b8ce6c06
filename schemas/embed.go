// Package schemas provides embedded JSON schema files for validation.
package schemas

import "embed"

// FS contains all JSON schema files embedded at compile time.
// Access schemas via FS.ReadFile("plan/v1.json") or FS.ReadFile("event/v1.json").
//
//go:embed */v1.json
var FS embed.FS
