// Package cob implements collaborative objects: signed, content-addressed
// operations merged into a causal history graph and folded into
// materialized state. A collaborative object is identified by the hash of
// its root operation; its state is derived, never stored.
package cob

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"weft/internal/identity"
	"weft/internal/object"

	werr "weft/internal/errors"
)

// TypePatch is the manifest type name for patch objects.
const TypePatch = "xyz.weft.patch"

// PayloadKind enumerates the closed set of semantic changes.
type PayloadKind string

const (
	KindInit     PayloadKind = "init"
	KindEdit     PayloadKind = "edit"
	KindRevision PayloadKind = "revision"
	KindComment  PayloadKind = "comment"
	KindMerge    PayloadKind = "merge"
	KindArchive  PayloadKind = "archive"
	KindReopen   PayloadKind = "reopen"
)

var knownKinds = map[PayloadKind]bool{
	KindInit:     true,
	KindEdit:     true,
	KindRevision: true,
	KindComment:  true,
	KindMerge:    true,
	KindArchive:  true,
	KindReopen:   true,
}

// Payload is the semantic change carried by an operation. Which fields are
// meaningful depends on Kind; the materializer has one merge rule per kind.
type Payload struct {
	Kind        PayloadKind `json:"kind"`
	Title       string      `json:"title,omitempty"`
	Description string      `json:"description,omitempty"`
	Base        object.Hash `json:"base,omitempty"`     // target branch tip
	Head        object.Hash `json:"head,omitempty"`     // proposed revision tip
	Body        string      `json:"body,omitempty"`     // comment body
	ReplyTo     object.Hash `json:"reply_to,omitempty"` // operation replied to
}

// Operation is the atomic unit of change to a collaborative object. It is
// created once, signed by its author, content-addressed, and immutable
// thereafter; corrections are new operations.
//
// The signature covers the hash of the canonical encoding with the
// Signature field empty. The operation's identity is the hash of the full
// stored envelope; Ed25519 signing is deterministic, so that identity is
// still a pure function of content and key.
type Operation struct {
	// Type carries the object type name on root operations only.
	Type string `json:"type,omitempty"`

	// Author is the did:key identifier of the signer.
	Author string `json:"author"`

	// Root is the hash of the object's root operation. Empty on the root
	// operation itself. Carrying it in every envelope keeps the per-object
	// index rebuildable by scanning the store.
	Root object.Hash `json:"root,omitempty"`

	// Parents are the operations this one causally follows, sorted
	// ascending. Empty only on the root operation.
	Parents []object.Hash `json:"parents,omitempty"`

	Payload Payload `json:"payload"`

	// Timestamp is advisory only. It is never used for ordering.
	Timestamp int64 `json:"timestamp"`

	// Signature is the base64-encoded Ed25519 signature over Digest().
	Signature string `json:"signature,omitempty"`
}

// NewOperation builds an unsigned operation with normalized parents.
func NewOperation(root object.Hash, parents []object.Hash, payload Payload) *Operation {
	sorted := append([]object.Hash{}, parents...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	op := &Operation{
		Root:      root,
		Parents:   sorted,
		Payload:   payload,
		Timestamp: time.Now().Unix(),
	}
	if payload.Kind == KindInit {
		op.Type = TypePatch
	}
	return op
}

// Encode serializes the operation envelope.
func (op *Operation) Encode() ([]byte, error) {
	return json.Marshal(op)
}

// DecodeOperation parses a stored envelope. It fails on envelopes that are
// not operations; other object kinds (commits, trees) live in the same
// store.
func DecodeOperation(data []byte) (*Operation, error) {
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("decoding operation: %w", err)
	}
	if op.Author == "" || op.Payload.Kind == "" {
		return nil, fmt.Errorf("not an operation envelope")
	}
	return &op, nil
}

// ID returns the content address of the stored envelope.
func (op *Operation) ID() (object.Hash, error) {
	data, err := op.Encode()
	if err != nil {
		return object.ZeroHash, err
	}
	return object.ComputeHash(data)
}

// Digest returns the hash of the operation with its signature stripped.
// This is the value the author signs.
func (op *Operation) Digest() (object.Hash, error) {
	unsigned := *op
	unsigned.Signature = ""
	data, err := json.Marshal(&unsigned)
	if err != nil {
		return object.ZeroHash, err
	}
	return object.ComputeHash(data)
}

// Sign sets the author and signature using the given identity.
func (op *Operation) Sign(id *identity.Identity) error {
	op.Author = id.DID
	digest, err := op.Digest()
	if err != nil {
		return fmt.Errorf("computing digest: %w", err)
	}
	sig, err := id.Sign([]byte(digest))
	if err != nil {
		return err
	}
	op.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// Verify checks structural validity, author consistency, and the
// signature. A failed verification rejects the operation permanently; it
// never aborts processing of other operations.
func (op *Operation) Verify() error {
	if !knownKinds[op.Payload.Kind] {
		return werr.Verification(fmt.Sprintf("unknown payload kind %q", op.Payload.Kind), nil)
	}
	if op.Payload.Kind == KindInit {
		if len(op.Parents) != 0 || op.Root != object.ZeroHash {
			return werr.Verification("init operation must be a root", nil)
		}
		if op.Type != TypePatch {
			return werr.Verification(fmt.Sprintf("unknown object type %q", op.Type), nil)
		}
		if op.Payload.Title == "" {
			return werr.Verification("init operation requires a title", nil)
		}
	} else {
		if len(op.Parents) == 0 {
			return werr.Verification("non-root operation requires parents", nil)
		}
		if op.Root == object.ZeroHash {
			return werr.Verification("non-root operation requires a root reference", nil)
		}
	}
	for i, p := range op.Parents {
		if !p.Valid() {
			return werr.Verification("malformed parent hash", nil)
		}
		if i > 0 && op.Parents[i-1] >= p {
			return werr.Verification("parents must be sorted and unique", nil)
		}
	}

	digest, err := op.Digest()
	if err != nil {
		return werr.Verification("computing digest", err)
	}
	sig, err := base64.StdEncoding.DecodeString(op.Signature)
	if err != nil {
		return werr.Verification("malformed signature", err)
	}
	if !identity.Verify(op.Author, []byte(digest), sig) {
		return werr.Verification(fmt.Sprintf("signature does not verify for %s", op.Author), nil)
	}
	return nil
}
