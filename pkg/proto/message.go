package proto

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Message envelope format:
//
//	[2 bytes: field count (big-endian)]
//	per field: [1 byte: ordinal] [4 bytes: value length (big-endian)] [value]
//
// Fields are marshaled in ascending ordinal order. Decoders skip fields
// with ordinals they do not recognize, which lets old nodes relay
// messages from newer ones.
const (
	// MaxFieldSize bounds a single field value.
	MaxFieldSize = 16 << 20
	// MaxFieldCount bounds the fields in one message, with headroom for
	// future ordinals.
	MaxFieldCount = 64

	fieldHeaderSize = 5
)

// Message is a coordination message: a sparse set of wire fields keyed
// by ordinal. Producers populate only the fields their operation
// documents; consumers must tolerate extra fields.
type Message struct {
	fields map[FieldID][]byte
}

// NewMessage creates a message carrying the given operation code.
func NewMessage(op OpCode) *Message {
	m := &Message{fields: make(map[FieldID][]byte, 8)}
	m.SetUint32(FieldOp, uint32(op))
	return m
}

// Op returns the message's operation code.
func (m *Message) Op() (OpCode, bool) {
	v, ok := m.Uint32(FieldOp)
	return OpCode(v), ok
}

// Has reports whether the field is present.
func (m *Message) Has(id FieldID) bool {
	_, ok := m.fields[id]
	return ok
}

// SetBytes stores a raw field value. The slice is retained, not copied.
func (m *Message) SetBytes(id FieldID, v []byte) {
	m.fields[id] = v
}

// Bytes returns a raw field value.
func (m *Message) Bytes(id FieldID) ([]byte, bool) {
	v, ok := m.fields[id]
	return v, ok
}

// SetString stores a string field.
func (m *Message) SetString(id FieldID, s string) {
	m.fields[id] = []byte(s)
}

// String returns a string field.
func (m *Message) String(id FieldID) (string, bool) {
	v, ok := m.fields[id]
	return string(v), ok
}

// SetUint32 stores a 4-byte big-endian field.
func (m *Message) SetUint32(id FieldID, v uint32) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	m.fields[id] = b
}

// Uint32 returns a 4-byte big-endian field.
func (m *Message) Uint32(id FieldID) (uint32, bool) {
	v, ok := m.fields[id]
	if !ok || len(v) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

// SetUint64 stores an 8-byte big-endian field.
func (m *Message) SetUint64(id FieldID, v uint64) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	m.fields[id] = b
}

// Uint64 returns an 8-byte big-endian field.
func (m *Message) Uint64(id FieldID) (uint64, bool) {
	v, ok := m.fields[id]
	if !ok || len(v) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(v), true
}

// SetDigest stores the record digest field.
func (m *Message) SetDigest(d Digest) {
	b := make([]byte, DigestSize)
	copy(b, d[:])
	m.fields[FieldDigest] = b
}

// Digest returns the record digest field.
func (m *Message) Digest() (Digest, bool) {
	v, ok := m.fields[FieldDigest]
	if !ok || len(v) != DigestSize {
		return Digest{}, false
	}
	var d Digest
	copy(d[:], v)
	return d, true
}

// Key assembles the request key from the namespace-index and digest
// fields.
func (m *Message) Key() (RequestKey, bool) {
	nsIx, ok := m.Uint32(FieldNsIx)
	if !ok {
		return RequestKey{}, false
	}
	d, ok := m.Digest()
	if !ok {
		return RequestKey{}, false
	}
	return RequestKey{NsIx: nsIx, Digest: d}, true
}

// Marshal encodes the message envelope.
func (m *Message) Marshal() ([]byte, error) {
	if len(m.fields) > MaxFieldCount {
		return nil, fmt.Errorf("too many fields: %d > %d", len(m.fields), MaxFieldCount)
	}

	ids := make([]int, 0, len(m.fields))
	size := 2
	for id, v := range m.fields {
		if len(v) > MaxFieldSize {
			return nil, fmt.Errorf("field %d too large: %d > %d", id, len(v), MaxFieldSize)
		}
		ids = append(ids, int(id))
		size += fieldHeaderSize + len(v)
	}
	sort.Ints(ids)

	buf := make([]byte, 2, size)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(ids)))
	for _, id := range ids {
		v := m.fields[FieldID(id)]
		var hdr [fieldHeaderSize]byte
		hdr[0] = byte(id)
		binary.BigEndian.PutUint32(hdr[1:5], uint32(len(v)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, v...)
	}
	return buf, nil
}

// Unmarshal decodes a message envelope. Duplicate ordinals are rejected;
// unknown ordinals are kept as opaque bytes.
func Unmarshal(data []byte) (*Message, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("message truncated: %d bytes", len(data))
	}
	count := int(binary.BigEndian.Uint16(data[0:2]))
	if count > MaxFieldCount {
		return nil, fmt.Errorf("too many fields: %d > %d", count, MaxFieldCount)
	}

	m := &Message{fields: make(map[FieldID][]byte, count)}
	off := 2
	for i := 0; i < count; i++ {
		if len(data)-off < fieldHeaderSize {
			return nil, fmt.Errorf("field %d header truncated", i)
		}
		id := FieldID(data[off])
		vlen := int(binary.BigEndian.Uint32(data[off+1 : off+5]))
		off += fieldHeaderSize
		if vlen > MaxFieldSize {
			return nil, fmt.Errorf("field %d too large: %d > %d", id, vlen, MaxFieldSize)
		}
		if len(data)-off < vlen {
			return nil, fmt.Errorf("field %d value truncated", id)
		}
		if _, dup := m.fields[id]; dup {
			return nil, fmt.Errorf("duplicate field %d", id)
		}
		m.fields[id] = data[off : off+vlen : off+vlen]
		off += vlen
	}
	if off != len(data) {
		return nil, fmt.Errorf("%d trailing bytes after %d fields", len(data)-off, count)
	}
	return m, nil
}

// Bin is a named record value.
type Bin struct {
	Name  string `json:"name"`
	Value []byte `json:"value"`
}

// RecordPayload is the content carried in FieldRecord: the record's
// void time, its metadata flag bits, and its bins. Bin order is
// preserved.
type RecordPayload struct {
	VoidTime uint32
	Flags    uint16
	Bins     []Bin
}

// Marshal encodes the record payload:
//
//	[4 bytes: void time] [2 bytes: flags] [2 bytes: bin count]
//	per bin: [1 byte: name length] [name] [4 bytes: value length] [value]
func (rp *RecordPayload) Marshal() ([]byte, error) {
	size := 8
	for _, b := range rp.Bins {
		if len(b.Name) > 255 {
			return nil, fmt.Errorf("bin name too long: %d", len(b.Name))
		}
		if len(b.Value) > MaxFieldSize {
			return nil, fmt.Errorf("bin %q too large: %d", b.Name, len(b.Value))
		}
		size += 1 + len(b.Name) + 4 + len(b.Value)
	}

	buf := make([]byte, 8, size)
	binary.BigEndian.PutUint32(buf[0:4], rp.VoidTime)
	binary.BigEndian.PutUint16(buf[4:6], rp.Flags)
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(rp.Bins)))
	for _, b := range rp.Bins {
		buf = append(buf, byte(len(b.Name)))
		buf = append(buf, b.Name...)
		var vlen [4]byte
		binary.BigEndian.PutUint32(vlen[:], uint32(len(b.Value)))
		buf = append(buf, vlen[:]...)
		buf = append(buf, b.Value...)
	}
	return buf, nil
}

// UnmarshalRecordPayload decodes a record payload.
func UnmarshalRecordPayload(data []byte) (*RecordPayload, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("record payload truncated: %d bytes", len(data))
	}
	rp := &RecordPayload{
		VoidTime: binary.BigEndian.Uint32(data[0:4]),
		Flags:    binary.BigEndian.Uint16(data[4:6]),
	}
	count := int(binary.BigEndian.Uint16(data[6:8]))

	off := 8
	for i := 0; i < count; i++ {
		if len(data)-off < 1 {
			return nil, fmt.Errorf("bin %d name length truncated", i)
		}
		nlen := int(data[off])
		off++
		if len(data)-off < nlen+4 {
			return nil, fmt.Errorf("bin %d name truncated", i)
		}
		name := string(data[off : off+nlen])
		off += nlen
		vlen := int(binary.BigEndian.Uint32(data[off : off+4]))
		off += 4
		if vlen > MaxFieldSize {
			return nil, fmt.Errorf("bin %q too large: %d", name, vlen)
		}
		if len(data)-off < vlen {
			return nil, fmt.Errorf("bin %q value truncated", name)
		}
		rp.Bins = append(rp.Bins, Bin{Name: name, Value: data[off : off+vlen : off+vlen]})
		off += vlen
	}
	if off != len(data) {
		return nil, fmt.Errorf("%d trailing bytes after %d bins", len(data)-off, count)
	}
	return rp, nil
}
