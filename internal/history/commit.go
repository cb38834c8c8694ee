// Package history models the immutable commit graph and compares branch
// tips by ancestry. The commit graph evolves independently of the
// collaborative objects that reference into it.
package history

import (
	"encoding/json"
	"fmt"

	"weft/internal/object"
)

// Commit is one content-addressed entry in the commit graph.
type Commit struct {
	Tree      object.Hash   `json:"tree"`
	Parents   []object.Hash `json:"parents,omitempty"`
	Author    string        `json:"author"`
	Message   string        `json:"message,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// Encode serializes the commit.
func (c *Commit) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeCommit parses a stored commit object.
func DecodeCommit(data []byte) (*Commit, error) {
	var c Commit
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding commit: %w", err)
	}
	return &c, nil
}

// WriteCommit stores the commit and returns its hash.
func WriteCommit(store *object.Store, c *Commit) (object.Hash, error) {
	data, err := c.Encode()
	if err != nil {
		return object.ZeroHash, fmt.Errorf("encoding commit: %w", err)
	}
	return store.Put(data)
}

// ReadCommit loads a commit by hash.
func ReadCommit(store *object.Store, h object.Hash) (*Commit, error) {
	data, err := store.Get(h)
	if err != nil {
		return nil, err
	}
	return DecodeCommit(data)
}
