// Package codec holds the binary encodings used inside the JSON envelope:
// CBOR for deltas and scene updates, zstd-compressed CBOR for snapshots.
package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// encMode uses Core Deterministic Encoding so equal values give equal bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

var (
	zenc *zstd.Encoder
	zdec *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}

	zenc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zdec, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// MarshalCompressed encodes v as CBOR and compresses it with zstd.
func MarshalCompressed(v any) ([]byte, error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return zenc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func UnmarshalCompressed(data []byte, v any) error {
	raw, err := zdec.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("zstd: %w", err)
	}
	return Unmarshal(raw, v)
}
