// Package schema maintains the per-stream relation cache. Relation messages
// replace any previously observed definition for the same relation OID, so
// the cache always holds exactly the most recently announced schema.
package schema

import (
	"fmt"

	"github.com/pgcdc-io/pgcdc/pkg/wal"
)

// UnknownRelationError reports a row change referencing a relation for which
// no Relation message has been observed in this session. The event cannot be
// named without its schema, so the caller drops it and continues.
type UnknownRelationError struct {
	RelationID uint32
}

func (e *UnknownRelationError) Error() string {
	return fmt.Sprintf("schema: unknown relation ID %d (no Relation message observed)", e.RelationID)
}

// Cache stores the latest relation definition per relation OID.
//
// A Cache is scoped to a single replication stream and is driven from the
// stream's single processing goroutine; it is not safe for concurrent use.
type Cache struct {
	relations map[uint32]*wal.Relation
}

// NewCache creates an empty relation cache.
func NewCache() *Cache {
	return &Cache{
		relations: make(map[uint32]*wal.Relation),
	}
}

// Update inserts or replaces the definition for rel.ID. A new Relation
// message always supersedes the previous one; definitions are never merged.
func (c *Cache) Update(rel *wal.Relation) {
	c.relations[rel.ID] = rel
}

// Resolve returns the most recent definition for the given relation OID,
// or an *UnknownRelationError if none has been observed.
func (c *Cache) Resolve(id uint32) (*wal.Relation, error) {
	rel, ok := c.relations[id]
	if !ok {
		return nil, &UnknownRelationError{RelationID: id}
	}
	return rel, nil
}

// Len returns the number of cached relations.
func (c *Cache) Len() int {
	return len(c.relations)
}

// Clear drops all cached relations. Called when the stream is reset, since
// the server resends Relation messages on a new session.
func (c *Cache) Clear() {
	c.relations = make(map[uint32]*wal.Relation)
}
