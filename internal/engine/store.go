package engine

import (
	"context"

	"github.com/rokfor/writersync/internal/couch"
)

// CouchStore adapts a couch.Client to the DocumentStore interface. The only
// shim it needs is the Changes return type.
type CouchStore struct {
	*couch.Client
}

func NewCouchStore(client *couch.Client) *CouchStore {
	return &CouchStore{Client: client}
}

func (s *CouchStore) Changes(ctx context.Context, name string) (ChangeFeed, error) {
	return s.Client.Changes(ctx, name)
}

var _ DocumentStore = (*CouchStore)(nil)
