// Package parser turns fetched pages into typed records.
package parser

import "errors"

// ErrNoRecord is returned when a page holds nothing the parser recognises.
var ErrNoRecord = errors.New("parser: no record found")

// Parser extracts a T from a fetched page. sourceURL resolves relative links.
type Parser[T any] interface {
	Parse(html, sourceURL string) (T, error)
}
