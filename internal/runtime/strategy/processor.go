// Package strategy holds the processor contract, the registry that resolves
// processors for a record, and the builtin processors.
package strategy

import (
	"context"

	"github.com/drblury/marketflow/internal/runtime/envelope"
)

// Processor turns one record into one result. Implementations must not keep
// mutable state between calls; the engine calls them concurrently.
type Processor interface {
	Name() string
	Process(ctx context.Context, rec envelope.Record) (envelope.Result, error)
}

// ProcessFunc is the signature of Processor.Process.
type ProcessFunc func(ctx context.Context, rec envelope.Record) (envelope.Result, error)

// ProcessorFunc adapts a function to the Processor interface.
//
//	reg.Register(strategy.ProcessorFunc("spread", func(ctx context.Context, rec envelope.Record) (envelope.Result, error) {
//		...
//	}))
func ProcessorFunc(name string, fn ProcessFunc) Processor {
	return funcProcessor{name: name, fn: fn}
}

type funcProcessor struct {
	name string
	fn   ProcessFunc
}

func (f funcProcessor) Name() string { return f.name }

func (f funcProcessor) Process(ctx context.Context, rec envelope.Record) (envelope.Result, error) {
	return f.fn(ctx, rec)
}

// Middleware decorates a processor. Use Wrap to keep the processor's name.
type Middleware func(Processor) Processor

// Wrap returns a processor named like p that runs fn.
func Wrap(p Processor, fn ProcessFunc) Processor {
	return funcProcessor{name: p.Name(), fn: fn}
}

// Chain applies middlewares so that the first one is outermost.
func Chain(p Processor, middlewares ...Middleware) Processor {
	for i := len(middlewares) - 1; i >= 0; i-- {
		if middlewares[i] == nil {
			continue
		}
		p = middlewares[i](p)
	}
	return p
}
