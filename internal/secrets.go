package internal

import "context"

// Secret is an opaque credential. Provider keys may be configured as literal
// strings or as handles that resolve lazily (e.g. from a secret manager);
// callers resolve once per operation and treat the result as opaque.
type Secret interface {
	Resolve(ctx context.Context) (string, error)
}

// StaticSecret is a secret configured as a literal string.
type StaticSecret string

// Resolve returns the literal value.
func (s StaticSecret) Resolve(context.Context) (string, error) {
	return string(s), nil
}

// SecretFunc adapts an async getter into a Secret.
type SecretFunc func(ctx context.Context) (string, error)

// Resolve invokes the getter.
func (f SecretFunc) Resolve(ctx context.Context) (string, error) {
	return f(ctx)
}

var (
	_ Secret = StaticSecret("")
	_ Secret = SecretFunc(nil)
)
