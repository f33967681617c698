package datastore

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// format tags the first byte of an encoded value so Decode knows which
// path produced it. Replaces the source's pickle-based serialisation with
// a stable binary format plus an explicit textual fallback, per
// spec.md §9's "re-architecture" note on pickle.
type format byte

const (
	formatGob format = iota + 1
	formatText
)

// EncodeValue serialises v into a stable binary format (gob). If v cannot
// be gob-encoded (e.g. it holds an unexported-field type or a channel),
// it falls back to a textual %v representation rather than failing the
// store call.
func EncodeValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(formatGob))
	if err := gob.NewEncoder(&buf).Encode(v); err == nil {
		return buf.Bytes(), nil
	}

	var tbuf bytes.Buffer
	tbuf.WriteByte(byte(formatText))
	tbuf.WriteString(fmt.Sprintf("%v", v))
	return tbuf.Bytes(), nil
}

// DecodeValue reverses EncodeValue. When the original value fell back to
// the textual format, out must be a *string.
func DecodeValue(data []byte, out any) error {
	if len(data) == 0 {
		return fmt.Errorf("decode value: empty payload")
	}

	switch format(data[0]) {
	case formatGob:
		return gob.NewDecoder(bytes.NewReader(data[1:])).Decode(out)
	case formatText:
		sp, ok := out.(*string)
		if !ok {
			return fmt.Errorf("decode value: payload is textual, out must be *string")
		}
		*sp = string(data[1:])
		return nil
	default:
		return fmt.Errorf("decode value: unrecognised format byte %d", data[0])
	}
}
