// Package observability builds the structured zap logger shared by every
// component of the screen-time engine and carries request-scoped log fields
// through a context.
package observability
