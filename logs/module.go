package logs

import "github.com/reusee/dscope"

type Module struct {
	dscope.Module
}

// Span identifies a unit of causally related log output: a worker's
// lifetime, one fault-service run, one test dispatch. Spans nest via
// NewSpan and are attached to every record emitted through a context
// carrying one.
type Span string

type spanKeyType struct{}

var SpanKey spanKeyType
