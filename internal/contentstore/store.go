// Package contentstore talks to the content-addressed network: blobs, DAG
// objects, published names, pins and pubsub publishing.
package contentstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"socialmesh/go-node/internal/platform/errs"

	"github.com/ipfs/go-cid"
)

var (
	// ErrUnavailable means the data could not be reached. It never means the
	// data does not exist.
	ErrUnavailable = errors.New("content store unavailable")
	ErrInvalidID   = errors.New("invalid content id")
)

// Store is the substrate surface the rest of the node depends on. Every call
// may block on the network and fail with an ErrUnavailable-wrapped error.
type Store interface {
	AddBlob(ctx context.Context, data []byte) (string, error)
	GetBlob(ctx context.Context, id string) ([]byte, error)
	DagPut(ctx context.Context, obj any) (string, error)
	DagGet(ctx context.Context, id string) (json.RawMessage, error)
	NamePublish(ctx context.Context, id string) (string, error)
	NameResolve(ctx context.Context, name string) (string, error)
	PubsubPublish(ctx context.Context, topic string, message []byte) error
	Pin(ctx context.Context, id string) error
}

// ValidateID checks that id parses as a CID.
func ValidateID(id string) error {
	if _, err := cid.Decode(strings.TrimSpace(id)); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// StripPathPrefix turns a resolved "/ipfs/<id>" or "/ipns/<name>" path into a
// bare identifier.
func StripPathPrefix(path string) string {
	path = strings.TrimSpace(path)
	path = strings.ReplaceAll(path, "/ipfs/", "")
	path = strings.ReplaceAll(path, "/ipns/", "")
	return path
}

// Unavailable wraps a transport failure of op as ErrUnavailable.
func Unavailable(op string, err error) error {
	return errs.Wrap(errs.CategoryTransport, fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err))
}
