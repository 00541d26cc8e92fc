// Package ids produces sortable unique identifiers.
package ids

import "github.com/segmentio/ksuid"

func New() string {
	return ksuid.New().String()
}

// WithPrefix returns a new identifier prefixed with p and an underscore.
func WithPrefix(p string) string {
	return p + "_" + New()
}
