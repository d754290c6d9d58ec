package coordination

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Envelopes are encoded with Core Deterministic Encoding so the same
// envelope always produces the same bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("coordination: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("coordination: CBOR decoder initialization failed: " + err.Error())
	}
}

func Encode(env Envelope) ([]byte, error) {
	return encMode.Marshal(env)
}

func Decode(data []byte) (Envelope, error) {
	var env Envelope
	err := decMode.Unmarshal(data, &env)
	return env, err
}
