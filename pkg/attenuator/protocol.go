package attenuator

import (
	"fmt"
	"strings"
)

// ReadCommand queries the current attenuation.
const ReadCommand = "READ"

// FormatSetCommand renders the set command, e.g. att-010.50.
func FormatSetCommand(value float64) string {
	return fmt.Sprintf("att-%06.2f", value)
}

// ResponseKind classifies a device reply.
type ResponseKind int

const (
	// NoResponse means nothing was received.
	NoResponse ResponseKind = iota
	// Ack is a printable reply.
	Ack
	// Malformed is a reply that is blank or contains control bytes.
	Malformed
)

func (k ResponseKind) String() string {
	switch k {
	case NoResponse:
		return "no-response"
	case Ack:
		return "ack"
	case Malformed:
		return "malformed"
	default:
		return fmt.Sprintf("ResponseKind(%d)", int(k))
	}
}

// Response is a classified device reply. Text is trimmed and ASCII only.
type Response struct {
	Kind ResponseKind
	Text string
}

func classify(raw []byte) Response {
	if len(raw) == 0 {
		return Response{Kind: NoResponse}
	}

	var b strings.Builder
	for _, c := range raw {
		if c < 0x80 {
			b.WriteByte(c)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return Response{Kind: Malformed}
	}

	for _, c := range []byte(text) {
		if c == '\r' || c == '\n' || c == '\t' {
			continue
		}
		if c < 0x20 || c == 0x7f {
			return Response{Kind: Malformed, Text: text}
		}
	}
	return Response{Kind: Ack, Text: text}
}
