package domain

import "context"

// Turn is one role/content pair in a generation request.
type Turn struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
}

// GenRequest is the uniform input to every generation backend.
type GenRequest struct {
	Model        string
	SystemPrompt string
	History      []Turn
	Message      string
	Temperature  float64
	MaxTokens    int
}

// Generator is the generation boundary: a backend that turns a prompt plus
// windowed history into a lazy stream of text fragments. Implementations send
// fragments on out and close it before returning. Failures are reported as
// *GenerationError.
type Generator interface {
	Generate(ctx context.Context, req GenRequest, out chan<- string) error
	Name() string
}

// GeneratorResolver resolves a generator by provider name, for descriptors
// that name different backends.
type GeneratorResolver interface {
	Get(name string) (Generator, error)
}
