// Package memstore is an in-memory contentstore.Store for tests and the
// memory transport. Ids are real CIDv1 values over sha2-256.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"socialmesh/go-node/internal/contentstore"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// multicodec codes
const (
	codecRaw     = 0x55
	codecDagJSON = 0x0129
)

type Op string

const (
	OpAddBlob       Op = "add"
	OpGetBlob       Op = "cat"
	OpDagPut        Op = "dag/put"
	OpDagGet        Op = "dag/get"
	OpNamePublish   Op = "name/publish"
	OpNameResolve   Op = "name/resolve"
	OpPubsubPublish Op = "pubsub/pub"
	OpPin           Op = "pin/add"
)

type Published struct {
	Topic   string
	Message []byte
}

type Store struct {
	mu        sync.Mutex
	self      string
	blobs     map[string][]byte
	dag       map[string]json.RawMessage
	names     map[string]string
	pins      []string
	published []Published
	failOps   map[Op]error
	failIDs   map[string]struct{}
	dagGets   int
}

var _ contentstore.Store = (*Store)(nil)

// New returns an empty store whose NamePublish writes under selfName.
func New(selfName string) *Store {
	return &Store{
		self:    selfName,
		blobs:   make(map[string][]byte),
		dag:     make(map[string]json.RawMessage),
		names:   make(map[string]string),
		failOps: make(map[Op]error),
		failIDs: make(map[string]struct{}),
	}
}

// Fail makes every later call of op return err. A nil err clears it.
func (s *Store) Fail(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failOps, op)
		return
	}
	s.failOps[op] = err
}

// FailID makes reads of id fail as unavailable.
func (s *Store) FailID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failIDs[id] = struct{}{}
}

func (s *Store) failure(op Op, id string) error {
	if err, ok := s.failOps[op]; ok {
		return contentstore.Unavailable(string(op), err)
	}
	if id != "" {
		if _, ok := s.failIDs[id]; ok {
			return contentstore.Unavailable(string(op), fmt.Errorf("%s unreachable", id))
		}
	}
	return nil
}

func newID(codec uint64, data []byte) (string, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(codec, mh).String(), nil
}

func (s *Store) AddBlob(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(OpAddBlob, ""); err != nil {
		return "", err
	}
	id, err := newID(codecRaw, data)
	if err != nil {
		return "", err
	}
	s.blobs[id] = append([]byte(nil), data...)
	return id, nil
}

func (s *Store) GetBlob(_ context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(OpGetBlob, id); err != nil {
		return nil, err
	}
	data, ok := s.blobs[id]
	if !ok {
		return nil, contentstore.Unavailable(string(OpGetBlob), fmt.Errorf("%s not found", id))
	}
	return append([]byte(nil), data...), nil
}

func (s *Store) DagPut(_ context.Context, obj any) (string, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(OpDagPut, ""); err != nil {
		return "", err
	}
	id, err := newID(codecDagJSON, raw)
	if err != nil {
		return "", err
	}
	s.dag[id] = raw
	return id, nil
}

// PutRaw stores raw under an arbitrary id. Tests use it to build shapes that
// content addressing cannot produce, such as pointer cycles.
func (s *Store) PutRaw(id string, raw json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dag[id] = append(json.RawMessage(nil), raw...)
}

func (s *Store) DagGet(_ context.Context, id string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dagGets++
	if err := s.failure(OpDagGet, id); err != nil {
		return nil, err
	}
	raw, ok := s.dag[id]
	if !ok {
		return nil, contentstore.Unavailable(string(OpDagGet), fmt.Errorf("%s not found", id))
	}
	return append(json.RawMessage(nil), raw...), nil
}

// DagGets counts DagGet calls, successful or not.
func (s *Store) DagGets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dagGets
}

func (s *Store) NamePublish(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(OpNamePublish, ""); err != nil {
		return "", err
	}
	s.names[s.self] = id
	return s.self, nil
}

// SetName points name at id as if its owner had published it.
func (s *Store) SetName(name, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[name] = id
}

func (s *Store) NameResolve(_ context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(OpNameResolve, name); err != nil {
		return "", err
	}
	id, ok := s.names[name]
	if !ok {
		return "", contentstore.Unavailable(string(OpNameResolve), fmt.Errorf("%s not published", name))
	}
	return id, nil
}

func (s *Store) PubsubPublish(_ context.Context, topic string, message []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(OpPubsubPublish, ""); err != nil {
		return err
	}
	s.published = append(s.published, Published{Topic: topic, Message: append([]byte(nil), message...)})
	return nil
}

func (s *Store) Published() []Published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.published)
}

func (s *Store) Pin(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(OpPin, id); err != nil {
		return err
	}
	s.pins = append(s.pins, id)
	return nil
}

// Pins returns pinned ids in call order, repeats included.
func (s *Store) Pins() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pins)
}

func (s *Store) Pinned(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.pins, id)
}

// ResetPins forgets recorded pins.
func (s *Store) ResetPins() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins = nil
}
