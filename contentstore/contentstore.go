// Package contentstore adapts the content-addressed document store that holds
// listing metadata, application messages, lease contracts and images.
package contentstore

import (
	"bytes"
	"context"

	"leaseflow/apperr"
)

// FieldWidth is the fixed on-ledger width of a content id field.
const FieldWidth = 46

// ContentID identifies stored content by hash.
type ContentID string

// PutResult describes stored content.
type PutResult struct {
	ContentID ContentID `json:"contentId"`
	SizeBytes int64     `json:"sizeBytes"`
}

var (
	ErrFieldTooLong     = apperr.Validation("field_too_long", "content id exceeds the 46-byte ledger field")
	ErrInvalidContentID = apperr.Validation("invalid_content_id", "content id is empty or contains a NUL byte")
	ErrStoreUnavailable = apperr.ExternalService("store_unavailable", "content store is unreachable")
	ErrNotFound         = apperr.NotFound("content_not_found", "content does not exist or was unpinned")
)

// Store is the contract every content backend satisfies.
//
// Unpin is best-effort and never fails: it reports true when the content is
// gone afterwards (including when it was already absent) and false when the
// backend could not be reached.
type Store interface {
	Put(ctx context.Context, data []byte, contentType, ownerHint string) (PutResult, error)
	Get(ctx context.Context, id ContentID) ([]byte, error)
	Unpin(ctx context.Context, id ContentID) bool
}

// EncodeToFixedField zero-pads id into the ledger's fixed-width field.
func EncodeToFixedField(id ContentID) ([FieldWidth]byte, error) {
	var out [FieldWidth]byte
	if len(id) == 0 || bytes.IndexByte([]byte(id), 0) >= 0 {
		return out, ErrInvalidContentID
	}
	if len(id) > FieldWidth {
		return out, ErrFieldTooLong.WithMessage("content id is %d bytes; the ledger field holds %d", len(id), FieldWidth)
	}
	copy(out[:], id)
	return out, nil
}

// DecodeFromFixedField reads a zero-padded field back into an id.
func DecodeFromFixedField(field [FieldWidth]byte) ContentID {
	if i := bytes.IndexByte(field[:], 0); i >= 0 {
		return ContentID(field[:i])
	}
	return ContentID(field[:])
}
