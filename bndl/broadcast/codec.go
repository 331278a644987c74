package broadcast

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// fastBinarySerializer uses msgpack, the fast-binary codec spec §3.5's
// "auto" mode prefers when a value round-trips through it cleanly.
type fastBinarySerializer struct{}

func (fastBinarySerializer) Serialize(value interface{}) ([]byte, error) {
	return msgpack.Marshal(value)
}

func (fastBinarySerializer) Deserialize(data []byte) (interface{}, error) {
	var v interface{}
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// objectSerializer is the generic fallback (spec §3.5's "auto" non-fast
// path), grounded on the teacher's gob-based wire encoding rather than the
// original's pickle, since gob is Go's closest equivalent generic object
// codec.
type objectSerializer struct{}

func (objectSerializer) Serialize(value interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (objectSerializer) Deserialize(data []byte) (interface{}, error) {
	var v interface{}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

type jsonSerializer struct{}

func (jsonSerializer) Serialize(value interface{}) ([]byte, error) {
	return json.Marshal(value)
}

func (jsonSerializer) Deserialize(data []byte) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// binarySerializer passes []byte through unchanged, spec §3.5's "binary".
type binarySerializer struct{}

func (binarySerializer) Serialize(value interface{}) ([]byte, error) {
	b, ok := value.([]byte)
	if !ok {
		return nil, fmt.Errorf("broadcast: binary serialization requires []byte, got %T", value)
	}
	return b, nil
}

func (binarySerializer) Deserialize(data []byte) (interface{}, error) {
	return data, nil
}

// textSerializer encodes/decodes a string, spec §3.5's "text".
type textSerializer struct{}

func (textSerializer) Serialize(value interface{}) ([]byte, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("broadcast: text serialization requires string, got %T", value)
	}
	return []byte(s), nil
}

func (textSerializer) Deserialize(data []byte) (interface{}, error) {
	return string(data), nil
}

// autoSerializer implements spec §3.5's "auto" mode: try the fast-binary
// codec first, falling back to the generic object codec for values
// msgpack cannot represent (e.g. unexported-field structs, channels). A
// one-byte marker prefix records which codec produced the payload so
// Deserialize can pick the matching path without guessing.
type autoSerializer struct{}

const (
	autoMarkerFast byte = 0
	autoMarkerObj  byte = 1
)

func (autoSerializer) Serialize(value interface{}) ([]byte, error) {
	if data, err := fastBinarySerializer{}.Serialize(value); err == nil {
		return append([]byte{autoMarkerFast}, data...), nil
	}
	data, err := objectSerializer{}.Serialize(value)
	if err != nil {
		return nil, err
	}
	return append([]byte{autoMarkerObj}, data...), nil
}

func (autoSerializer) Deserialize(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("broadcast: empty auto-serialized payload")
	}
	marker, body := data[0], data[1:]
	switch marker {
	case autoMarkerFast:
		return fastBinarySerializer{}.Deserialize(body)
	case autoMarkerObj:
		return objectSerializer{}.Deserialize(body)
	default:
		return nil, fmt.Errorf("broadcast: unknown auto-serialization marker %d", marker)
	}
}

func serializerFor(codec Codec) Serializer {
	switch codec {
	case CodecAuto, "":
		return autoSerializer{}
	case CodecFast:
		return fastBinarySerializer{}
	case CodecObject:
		return objectSerializer{}
	case CodecJSON:
		return jsonSerializer{}
	case CodecBinary:
		return binarySerializer{}
	case CodecText:
		return textSerializer{}
	default:
		return autoSerializer{}
	}
}
