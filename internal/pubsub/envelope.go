package pubsub

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/multiformats/go-multibase"
)

var ErrMalformedEnvelope = errors.New("malformed pubsub envelope")

// Envelope is one message received on a topic. From is the transport-level
// sender id as reported by the network.
type Envelope struct {
	Topic string
	From  string
	Data  []byte
}

type wireEnvelope struct {
	From string `json:"from"`
	Data string `json:"data"`
}

// DecodeEnvelopeLine parses one {"from","data"} line of a subscription stream.
// data is either multibase or standard base64, possibly without padding.
func DecodeEnvelopeLine(line []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(line, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if w.Data == "" {
		return Envelope{}, fmt.Errorf("%w: missing data", ErrMalformedEnvelope)
	}
	data, err := decodeData(w.Data)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return Envelope{From: w.From, Data: data}, nil
}

// EncodeEnvelopeLine is the inverse of DecodeEnvelopeLine, used by transports
// that carry the envelope themselves.
func EncodeEnvelopeLine(env Envelope) ([]byte, error) {
	return json.Marshal(wireEnvelope{From: env.From, Data: base64.StdEncoding.EncodeToString(env.Data)})
}

func decodeData(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty data")
	}
	var viaMultibase []byte
	switch s[0] {
	case 'u', 'U', 'm', 'M':
		if _, decoded, err := multibase.Decode(s); err == nil {
			if json.Valid(decoded) {
				return decoded, nil
			}
			viaMultibase = decoded
		}
	}
	padded := s
	if missing := len(padded) % 4; missing != 0 {
		padded += strings.Repeat("=", 4-missing)
	}
	decoded, err := base64.StdEncoding.DecodeString(padded)
	if err != nil {
		if viaMultibase != nil {
			return viaMultibase, nil
		}
		return nil, err
	}
	return decoded, nil
}
