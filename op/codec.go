package op

import "github.com/fxamacker/cbor/v2"

// canonicalMode is a deterministic, tag-numbered binary format: fixed
// tag numbers, fixed field ordering, fixed integer encoding,
// definite-length containers, UTF-8 strings. The core deterministic
// encoding option set sorts map keys and forbids indefinite-length
// containers, giving every encoder the same bytes for the same value
// regardless of struct field declaration order.
var canonicalMode = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic("op: building canonical CBOR encode mode: " + err.Error())
	}
	return mode
}()

var canonicalDecMode = func() cbor.DecMode {
	mode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("op: building canonical CBOR decode mode: " + err.Error())
	}
	return mode
}()

func encodeCanonical(v interface{}) ([]byte, error) {
	return canonicalMode.Marshal(v)
}

func decodeCanonical(data []byte, out interface{}) error {
	return canonicalDecMode.Unmarshal(data, out)
}

// encodePayload canonically serializes a typed payload struct into the raw
// bytes carried by Envelope.Payload.
func encodePayload(v interface{}) (cbor.RawMessage, error) {
	b, err := encodeCanonical(v)
	if err != nil {
		return nil, err
	}
	return cbor.RawMessage(b), nil
}
