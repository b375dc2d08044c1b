// Package idgen generates the identifiers handed out by the API: workspace
// IDs, alert IDs and analysis run IDs.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes used across the service.
const (
	PrefixWorkspace = "ws_"
	PrefixAlert     = "alt_"
	PrefixRun       = "run_"
)

// New returns a random (version 4) UUID in canonical form.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 lowercase hex chars.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HasPrefix reports whether id looks like one WithPrefix(prefix) produced.
func HasPrefix(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok || len(rest) != 32 {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
