package pubsub

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/multiformats/go-multibase"
)

func TestDecodeEnvelopeLineRepairsPadding(t *testing.T) {
	payload := `{"type":"heartbeat","peer_id":"p1"}`
	data := strings.TrimRight(base64.StdEncoding.EncodeToString([]byte(payload)), "=")
	env, err := DecodeEnvelopeLine([]byte(`{"from":"12D3KooWsender","data":"` + data + `"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if env.From != "12D3KooWsender" || string(env.Data) != payload {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestDecodeEnvelopeLineMultibase(t *testing.T) {
	payload := `{"peer_id":"p1","new_root":"bafyroot"}`
	data, err := multibase.Encode(multibase.Base64url, []byte(payload))
	if err != nil {
		t.Fatalf("multibase encode: %v", err)
	}
	env, err := DecodeEnvelopeLine([]byte(`{"from":"peer","data":"` + data + `","seqno":"uAQ","topicIDs":["u"]}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if string(env.Data) != payload {
		t.Fatalf("unexpected data %q", env.Data)
	}
}

func TestDecodeEnvelopeLineRejectsMalformed(t *testing.T) {
	for _, line := range []string{
		`not json`,
		`{"from":"peer"}`,
		`{"from":"peer","data":"***"}`,
		`{"from":"peer","data":"   "}`,
	} {
		if _, err := DecodeEnvelopeLine([]byte(line)); !errors.Is(err, ErrMalformedEnvelope) {
			t.Fatalf("line %q: expected ErrMalformedEnvelope, got %v", line, err)
		}
	}
}

func TestEncodeEnvelopeLineRoundtrip(t *testing.T) {
	line, err := EncodeEnvelopeLine(Envelope{From: "me", Data: []byte(`{"text":"hi"}`)})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	env, err := DecodeEnvelopeLine(line)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if env.From != "me" || string(env.Data) != `{"text":"hi"}` {
		t.Fatalf("unexpected envelope %+v", env)
	}
}
