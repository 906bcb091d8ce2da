package nlp

import "fmt"

// Factory builds a Client over one transport ("grpc", "http", ...).
type Factory func() (Client, error)

var registry = map[string]Factory{}

// Register is called from the binary wiring up transports.
func Register(name string, f Factory) {
	registry[name] = f
}

// New returns a client by transport name.
func New(name string) (Client, error) {
	if f, ok := registry[name]; ok {
		return f()
	}
	return nil, fmt.Errorf("nlp: unsupported transport %q", name)
}
