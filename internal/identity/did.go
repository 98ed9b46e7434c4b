package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"

	"github.com/mr-tron/base58/base58"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

const (
	DIDPrefix = "did:key:"

	secretSize = ed25519.SeedSize
)

var (
	ErrInvalidDID    = errors.New("invalid did")
	ErrInvalidSecret = errors.New("invalid secret key")

	// multicodec ed25519-pub, varint encoded.
	ed25519PubHeader = []byte{0xed, 0x01}
	// protobuf PublicKey{Type: Ed25519, Data: <32 bytes>} prefix used by libp2p peer ids.
	legacyKeyEnvelope = []byte{0x08, 0x01, 0x12, 0x20}
)

// Keypair is an Ed25519 identity. The secret is the 32-byte seed; it is kept in
// raw bytes and only leaves the struct through SecretHex.
type Keypair struct {
	DID             string
	PublicMultibase string
	PublicKey       ed25519.PublicKey
	seed            []byte
}

// GenerateKeypair creates a fresh identity and returns its did, the multibase
// public key and the lowercase hex secret.
func GenerateKeypair() (did, publicMultibase, secretHex string, err error) {
	kp, err := NewKeypair()
	if err != nil {
		return "", "", "", err
	}
	return kp.DID, kp.PublicMultibase, kp.SecretHex(), nil
}

func NewKeypair() (Keypair, error) {
	seed := make([]byte, secretSize)
	if _, err := rand.Read(seed); err != nil {
		return Keypair{}, err
	}
	return keypairFromSeed(seed)
}

// KeypairFromSecret rebuilds the identity for a hex secret, e.g. after recovery.
func KeypairFromSecret(secretHex string) (Keypair, error) {
	seed, err := decodeSecret(secretHex)
	if err != nil {
		return Keypair{}, err
	}
	return keypairFromSeed(seed)
}

func keypairFromSeed(seed []byte) (Keypair, error) {
	if len(seed) != secretSize {
		return Keypair{}, ErrInvalidSecret
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	mb, err := encodePublicMultibase(pub)
	if err != nil {
		return Keypair{}, err
	}
	return Keypair{
		DID:             DIDPrefix + mb,
		PublicMultibase: mb,
		PublicKey:       append(ed25519.PublicKey(nil), pub...),
		seed:            append([]byte(nil), seed...),
	}, nil
}

func (k Keypair) SecretHex() string {
	return hex.EncodeToString(k.seed)
}

func (k Keypair) IsZero() bool {
	return len(k.seed) == 0
}

func (k Keypair) LegacyPeerID() string {
	return DIDToLegacyPeerID(k.DID)
}

func (k Keypair) Sign(message []byte) []byte {
	return ed25519.Sign(ed25519.NewKeyFromSeed(k.seed), message)
}

// LogValue keeps the secret out of structured logs.
func (k Keypair) LogValue() slog.Value {
	return slog.GroupValue(slog.String("did", k.DID))
}

func encodePublicMultibase(pub ed25519.PublicKey) (string, error) {
	raw := make([]byte, 0, len(ed25519PubHeader)+len(pub))
	raw = append(raw, ed25519PubHeader...)
	raw = append(raw, pub...)
	return multibase.Encode(multibase.Base58BTC, raw)
}

// ParseDID extracts the Ed25519 public key of a did:key identifier. The decoded
// multibase value must be exactly the 2-byte ed25519-pub header plus 32 key bytes.
func ParseDID(did string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(did, DIDPrefix) {
		return nil, ErrInvalidDID
	}
	parts := strings.Split(did, ":")
	if len(parts) < 3 {
		return nil, ErrInvalidDID
	}
	encoding, decoded, err := multibase.Decode(parts[len(parts)-1])
	if err != nil || encoding != multibase.Base58BTC {
		return nil, ErrInvalidDID
	}
	if len(decoded) != len(ed25519PubHeader)+ed25519.PublicKeySize ||
		decoded[0] != ed25519PubHeader[0] || decoded[1] != ed25519PubHeader[1] {
		return nil, ErrInvalidDID
	}
	return ed25519.PublicKey(decoded[len(ed25519PubHeader):]), nil
}

// DIDToLegacyPeerID projects a did:key onto the libp2p-style peer id used by
// inbox topics and name records. Malformed input yields "".
func DIDToLegacyPeerID(did string) string {
	pub, err := ParseDID(did)
	if err != nil {
		return ""
	}
	envelope := make([]byte, 0, len(legacyKeyEnvelope)+len(pub))
	envelope = append(envelope, legacyKeyEnvelope...)
	envelope = append(envelope, pub...)
	mh, err := multihash.Encode(envelope, multihash.IDENTITY)
	if err != nil {
		return ""
	}
	return base58.Encode(mh)
}

// IsDID reports whether id carries the did:key prefix. It does not validate.
func IsDID(id string) bool {
	return strings.HasPrefix(id, DIDPrefix)
}

func decodeSecret(secretHex string) ([]byte, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(secretHex))
	if err != nil || len(seed) != secretSize {
		return nil, ErrInvalidSecret
	}
	return seed, nil
}
