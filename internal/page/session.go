// Package page defines the rendered-page client the mirror drives and a
// chromedp-backed implementation of it.
//
// The schedule page exposes no completion events. The only evidence that a
// client-side reload finished is that node handles captured before the
// reload stop working; Node implementations report that as ErrDetached.
package page

import (
	"context"
	"errors"
)

var (
	// ErrDetached is returned by Node methods once the node's subtree was
	// replaced by a re-render.
	ErrDetached = errors.New("page: node detached")

	// ErrNotFound is returned when a selector matches nothing.
	ErrNotFound = errors.New("page: node not found")
)

// Session is a single rendered view. Every call mutates or reads the same
// view, so a Session must not be shared by concurrent callers.
type Session interface {
	Navigate(ctx context.Context, url string) error
	// Evaluate runs src in the page and discards its result.
	Evaluate(ctx context.Context, src string) error
	FindSingle(ctx context.Context, selector string) (Node, error)
	FindAll(ctx context.Context, selector string) ([]Node, error)
}

// Node is a handle to one element of the rendered document.
type Node interface {
	// Attribute returns the attribute value, "" when the attribute is absent.
	Attribute(ctx context.Context, name string) (string, error)
	Text(ctx context.Context) (string, error)
	OuterHTML(ctx context.Context) (string, error)
}
