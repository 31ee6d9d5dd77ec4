// Package rpc defines the structured-file RPC messages, their CBOR wire
// encoding, and the HTTP client used to reach peer resource servers.
package rpc

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// ContentType is the media type of every request and response body.
const ContentType = "application/cbor"

// MaxBodySize bounds request and response bodies.
const MaxBodySize = 8 << 20

// encMode uses Core Deterministic Encoding so identical messages produce
// identical bytes.
var encMode cbor.EncMode

// decMode bounds collection sizes so a hostile body cannot force large
// allocations. Unknown fields are ignored.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("rpc: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		MaxNestedLevels:  16,
		MaxArrayElements: 1 << 16,
		MaxMapPairs:      64,
	}.DecMode()
	if err != nil {
		panic("rpc: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Decode reads one CBOR message of at most MaxBodySize bytes from r.
func Decode(r io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(r, MaxBodySize+1))
	if err != nil {
		return err
	}
	if len(data) > MaxBodySize {
		return errBodyTooLarge
	}
	return Unmarshal(data, v)
}
