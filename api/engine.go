package api

import "context"

// Engine is the public interface of a running engine handle.
type Engine interface {
	Step(ctx context.Context) error
	RunScript(ctx context.Context, code string) error
	Close(ctx context.Context) error
	IsRunning() bool
}
