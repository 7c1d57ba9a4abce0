package cache

import (
	"context"
	"strings"
)

// Key identifies a cached query: a resource name plus an optional
// parameter, for example {"posts", "7"}.
type Key struct {
	Resource string
	Param    string
}

// NewKey builds a key for resource with an optional parameter.
func NewKey(resource string, param ...string) Key {
	return Key{Resource: resource, Param: strings.Join(param, "/")}
}

// String renders the key as "resource" or "resource:param".
func (k Key) String() string {
	if k.Param == "" {
		return k.Resource
	}
	return k.Resource + ":" + k.Param
}

// MutationFunc adapts a function and its affected keys to Mutation.
type MutationFunc struct {
	Fn   func(ctx context.Context) error
	Keys []Key
}

func (m MutationFunc) Do(ctx context.Context) error { return m.Fn(ctx) }

func (m MutationFunc) Affects() []Key { return m.Keys }
