package bencode

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Marshal encodes v, one of the types Decode can produce (plus the common Go
// integer types and []byte), into its canonical bencode form. Dict keys are
// sorted, matching the unique canonical encoding bencode guarantees for any
// value — which is what lets callers re-derive a stable info-hash from a
// decoded dict.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type Encoder struct{ w io.Writer }

func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

func (e *Encoder) Encode(v any) error {
	switch x := v.(type) {
	case string:
		return e.encodeString(x)
	case []byte:
		return e.encodeString(string(x))
	case bool:
		if x {
			return e.encodeInt(1)
		}
		return e.encodeInt(0)
	case int:
		return e.encodeInt(int64(x))
	case int8:
		return e.encodeInt(int64(x))
	case int16:
		return e.encodeInt(int64(x))
	case int32:
		return e.encodeInt(int64(x))
	case int64:
		return e.encodeInt(x)
	case uint:
		return e.encodeUint(uint64(x))
	case uint8:
		return e.encodeUint(uint64(x))
	case uint16:
		return e.encodeUint(uint64(x))
	case uint32:
		return e.encodeUint(uint64(x))
	case uint64:
		return e.encodeUint(x)
	case []any:
		return e.encodeList(x)
	case map[string]any:
		return e.encodeDict(x)
	default:
		return fmt.Errorf("bencode: unsupported type %T", v)
	}
}

func (e *Encoder) encodeInt(n int64) error {
	if _, err := e.w.Write([]byte{byte(tokenInteger)}); err != nil {
		return err
	}
	var buf [32]byte
	if _, err := e.w.Write(strconv.AppendInt(buf[:0], n, 10)); err != nil {
		return err
	}
	_, err := e.w.Write([]byte{byte(tokenEnd)})
	return err
}

func (e *Encoder) encodeUint(n uint64) error {
	if _, err := e.w.Write([]byte{byte(tokenInteger)}); err != nil {
		return err
	}
	var buf [32]byte
	if _, err := e.w.Write(strconv.AppendUint(buf[:0], n, 10)); err != nil {
		return err
	}
	_, err := e.w.Write([]byte{byte(tokenEnd)})
	return err
}

func (e *Encoder) encodeString(s string) error {
	var buf [32]byte
	if _, err := e.w.Write(strconv.AppendInt(buf[:0], int64(len(s)), 10)); err != nil {
		return err
	}
	if _, err := e.w.Write([]byte{byte(tokenStringSep)}); err != nil {
		return err
	}
	_, err := io.WriteString(e.w, s)
	return err
}

func (e *Encoder) encodeList(xs []any) error {
	if _, err := e.w.Write([]byte{byte(tokenList)}); err != nil {
		return err
	}
	for _, v := range xs {
		if err := e.Encode(v); err != nil {
			return err
		}
	}
	_, err := e.w.Write([]byte{byte(tokenEnd)})
	return err
}

func (e *Encoder) encodeDict(m map[string]any) error {
	if _, err := e.w.Write([]byte{byte(tokenDict)}); err != nil {
		return err
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := e.encodeString(k); err != nil {
			return err
		}
		if err := e.Encode(m[k]); err != nil {
			return err
		}
	}
	_, err := e.w.Write([]byte{byte(tokenEnd)})
	return err
}
