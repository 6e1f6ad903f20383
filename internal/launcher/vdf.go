package launcher

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// Binary VDF wire markers. The shortcuts file is a nested string-keyed map:
// maps hold typed fields and end with an end marker.
const (
	typeMap    byte = 0x00
	typeString byte = 0x01
	typeInt32  byte = 0x02
	typeEnd    byte = 0x08
)

// vdfMap is one node of the binary VDF tree. Values are string, uint32 or
// vdfMap.
type vdfMap map[string]any

func writeCString(w *bytes.Buffer, s string) {
	w.WriteString(s)
	w.WriteByte(0)
}

func encodeMap(w *bytes.Buffer, m vdfMap) {
	// Deterministic field order keeps the file diffable across writes.
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			w.WriteByte(typeString)
			writeCString(w, k)
			writeCString(w, v)
		case uint32:
			w.WriteByte(typeInt32)
			writeCString(w, k)
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], v)
			w.Write(buf[:])
		case vdfMap:
			w.WriteByte(typeMap)
			writeCString(w, k)
			encodeMap(w, v)
		}
	}
	w.WriteByte(typeEnd)
}

func encodeVDF(root vdfMap) []byte {
	var w bytes.Buffer
	encodeMap(&w, root)
	return w.Bytes()
}

type vdfReader struct {
	r *bytes.Reader
}

func (d *vdfReader) readByte() (byte, error) {
	return d.r.ReadByte()
}

func (d *vdfReader) readCString() (string, error) {
	var b bytes.Buffer
	for {
		c, err := d.r.ReadByte()
		if err != nil {
			return "", err
		}
		if c == 0 {
			return b.String(), nil
		}
		b.WriteByte(c)
	}
}

func (d *vdfReader) readUint32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(d.r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (d *vdfReader) readMap() (vdfMap, error) {
	m := vdfMap{}
	for {
		kind, err := d.readByte()
		if err != nil {
			return nil, err
		}
		if kind == typeEnd {
			return m, nil
		}
		key, err := d.readCString()
		if err != nil {
			return nil, err
		}
		switch kind {
		case typeString:
			v, err := d.readCString()
			if err != nil {
				return nil, err
			}
			m[key] = v
		case typeInt32:
			v, err := d.readUint32()
			if err != nil {
				return nil, err
			}
			m[key] = v
		case typeMap:
			v, err := d.readMap()
			if err != nil {
				return nil, err
			}
			m[key] = v
		default:
			return nil, fmt.Errorf("unknown vdf field type 0x%02x for key %q", kind, key)
		}
	}
}

func decodeVDF(raw []byte) (vdfMap, error) {
	d := &vdfReader{r: bytes.NewReader(raw)}
	root, err := d.readMap()
	if err != nil {
		return nil, fmt.Errorf("decode shortcuts vdf: %w", err)
	}
	return root, nil
}
