// internal/relation/relation.go
//
// Package relation binds a topic name to the dataset that serves it.
package relation

import (
	"fmt"

	"github.com/YaganovValera/kafka-gateway/internal/gateway"
)

// Relation is a named, read-only view over one gateway dataset.
type Relation struct {
	name    string
	dataset *gateway.Dataset
}

// New resolves name through gw, registering its dataset when needed.
func New(gw *gateway.Gateway, name string) (*Relation, error) {
	ds, err := gw.Dataset(name)
	if err != nil {
		return nil, fmt.Errorf("relation %q: %w", name, err)
	}
	return &Relation{name: ds.Topic(), dataset: ds}, nil
}

func (r *Relation) Name() string              { return r.name }
func (r *Relation) Dataset() *gateway.Dataset { return r.dataset }
