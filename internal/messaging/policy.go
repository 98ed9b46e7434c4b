package messaging

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	MaxTextLength     = 4000
	MaxFilenameLength = 255
	MaxMimeTypeLength = 127
)

// Reasons an inbound message is dropped. They double as metric labels.
const (
	OutcomeAccepted     = "accepted"
	ReasonMalformed     = "malformed"
	ReasonMissingFields = "missing_fields"
	ReasonBadSignature  = "bad_signature"
	ReasonBadPayload    = "bad_payload"
	ReasonEmpty         = "empty"
	ReasonNoSender      = "no_sender"
	ReasonTooLarge      = "too_large"
	ReasonRateLimited   = "rate_limited"
	ReasonStoreFailed   = "store_failed"
)

var (
	ErrEmptyMessage      = errors.New("message needs text or an attachment")
	ErrRecipientRequired = errors.New("recipient is required")
	ErrMessageTooLarge   = errors.New("message exceeds limits")
)

// DiscardError explains why an inbound message was not stored.
type DiscardError struct {
	Reason string
	Err    error
}

func (e *DiscardError) Error() string {
	if e.Err == nil {
		return "message discarded: " + e.Reason
	}
	return fmt.Sprintf("message discarded: %s: %v", e.Reason, e.Err)
}

func (e *DiscardError) Unwrap() error { return e.Err }

func discard(reason string, err error) error {
	return &DiscardError{Reason: reason, Err: err}
}

// DiscardReason returns the reason of a DiscardError, or "" for other errors.
func DiscardReason(err error) string {
	var d *DiscardError
	if errors.As(err, &d) {
		return d.Reason
	}
	return ""
}

func validatePayload(p Payload) error {
	switch {
	case utf8.RuneCountInString(p.Text) > MaxTextLength:
		return fmt.Errorf("%w: text longer than %d characters", ErrMessageTooLarge, MaxTextLength)
	case utf8.RuneCountInString(p.Filename) > MaxFilenameLength:
		return fmt.Errorf("%w: filename longer than %d characters", ErrMessageTooLarge, MaxFilenameLength)
	case len(p.MimeType) > MaxMimeTypeLength:
		return fmt.Errorf("%w: mime type longer than %d characters", ErrMessageTooLarge, MaxMimeTypeLength)
	}
	return nil
}

// preview returns the first n characters of s.
func preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
