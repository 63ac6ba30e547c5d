package couchguard

import (
	"context"
	"errors"
	"fmt"
)

// ErrNilTransform rejects registering a nil transform.
var ErrNilTransform = errors.New("transform must not be nil")

// OnCreate registers a transform applied to new user documents before they
// are persisted, after the document is otherwise complete.
func (s *UserService) OnCreate(t Transform) error {
	if t == nil {
		return ErrNilTransform
	}
	s.onCreate = append(s.onCreate, t)
	return nil
}

// OnLink registers a transform applied when a federated provider is linked
// to an existing account.
func (s *UserService) OnLink(t Transform) error {
	if t == nil {
		return ErrNilTransform
	}
	s.onLink = append(s.onLink, t)
	return nil
}

// runTransforms folds doc through the chain sequentially. Each transform
// receives the previous transform's result and its returned document is the
// one carried forward; a nil result or an error aborts the operation.
func runTransforms(ctx context.Context, chain []Transform, doc *UserDoc, provider string, req Request) (*UserDoc, error) {
	current := doc
	for i, t := range chain {
		next, err := t(ctx, current, provider, req)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, fmt.Errorf("transform %d returned no document", i)
		}
		current = next
	}
	return current, nil
}
