package dispatch

import "context"

// Emitter receives response text a processor wants broadcast. Processors may
// call it zero or more times while handling a line.
type Emitter func(message string)

// Processor is offered every command line and may claim it. Returning true
// stops dispatch; later processors never see a claimed line.
type Processor interface {
	Name() string
	TryHandle(ctx context.Context, line string, emit Emitter) bool
}

// ProcessorFunc adapts a plain function to the Processor interface.
type ProcessorFunc struct {
	Label  string
	Handle func(ctx context.Context, line string, emit Emitter) bool
}

func (f ProcessorFunc) Name() string { return f.Label }

func (f ProcessorFunc) TryHandle(ctx context.Context, line string, emit Emitter) bool {
	if f.Handle == nil {
		return false
	}
	return f.Handle(ctx, line, emit)
}

// Command returns a processor that claims exactly one literal command.
func Command(name, command string, handle func(ctx context.Context, emit Emitter)) Processor {
	return ProcessorFunc{
		Label: name,
		Handle: func(ctx context.Context, line string, emit Emitter) bool {
			if line != command {
				return false
			}
			handle(ctx, emit)
			return true
		},
	}
}
