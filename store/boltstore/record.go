package boltstore

import (
	"encoding/binary"
	"fmt"
	"net/http"
	"slices"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	swcache "github.com/furanomi/furanomi-sw"
)

// Entry record fields. Numbers are part of the on-disk format.
const (
	fieldMethod   protowire.Number = 1
	fieldURL      protowire.Number = 2
	fieldStatus   protowire.Number = 3
	fieldHeader   protowire.Number = 4
	fieldBodyHash protowire.Number = 5
	fieldBodySize protowire.Number = 6
	fieldCachedAt protowire.Number = 7
	fieldSeq      protowire.Number = 8

	fieldHeaderName  protowire.Number = 1
	fieldHeaderValue protowire.Number = 2

	fieldRefCount protowire.Number = 1
	fieldSize     protowire.Number = 2
)

// entryRecord is the persisted form of a snapshot minus its body.
type entryRecord struct {
	Method   string
	URL      string
	Status   int
	Header   http.Header
	BodyHash swcache.Hash
	BodySize int64
	CachedAt time.Time
	Seq      uint64
}

func (r *entryRecord) key() string {
	return r.Method + " " + r.URL
}

func (r *entryRecord) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldMethod, protowire.BytesType)
	b = protowire.AppendString(b, r.Method)
	b = protowire.AppendTag(b, fieldURL, protowire.BytesType)
	b = protowire.AppendString(b, r.URL)
	b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Status)) //nolint:gosec // HTTP status codes are small and positive

	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		for _, v := range r.Header[name] {
			var h []byte
			h = protowire.AppendTag(h, fieldHeaderName, protowire.BytesType)
			h = protowire.AppendString(h, name)
			h = protowire.AppendTag(h, fieldHeaderValue, protowire.BytesType)
			h = protowire.AppendString(h, v)
			b = protowire.AppendTag(b, fieldHeader, protowire.BytesType)
			b = protowire.AppendBytes(b, h)
		}
	}

	b = protowire.AppendTag(b, fieldBodyHash, protowire.BytesType)
	b = protowire.AppendBytes(b, r.BodyHash[:])
	b = protowire.AppendTag(b, fieldBodySize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.BodySize)) //nolint:gosec // sizes are non-negative
	if !r.CachedAt.IsZero() {
		b = protowire.AppendTag(b, fieldCachedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(r.CachedAt.UnixNano()))
	}
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Seq)
	return b
}

func unmarshalEntryRecord(b []byte) (*entryRecord, error) {
	r := &entryRecord{Header: make(http.Header)}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldMethod && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.Method = v
			return n, nil
		case num == fieldURL && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.URL = v
			return n, nil
		case num == fieldStatus && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Status = int(v) //nolint:gosec // written from an int
			return n, nil
		case num == fieldHeader && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			name, value, err := unmarshalHeaderField(v)
			if err != nil {
				return 0, err
			}
			r.Header[name] = append(r.Header[name], value)
			return n, nil
		case num == fieldBodyHash && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 && len(v) != swcache.HashSize {
				return 0, fmt.Errorf("body hash has %d bytes", len(v))
			}
			copy(r.BodyHash[:], v)
			return n, nil
		case num == fieldBodySize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.BodySize = int64(v) //nolint:gosec // written from a non-negative int64
			return n, nil
		case num == fieldCachedAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.CachedAt = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			return n, nil
		case num == fieldSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Seq = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, fmt.Errorf("decoding entry record: %w", err)
	}
	return r, nil
}

func unmarshalHeaderField(b []byte) (name, value string, err error) {
	err = consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.BytesType {
			switch num {
			case fieldHeaderName:
				v, n := protowire.ConsumeString(b)
				name = v
				return n, nil
			case fieldHeaderValue:
				v, n := protowire.ConsumeString(b)
				value = v
				return n, nil
			}
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return name, value, err
}

// bodyRecord tracks how many entries reference a stored body.
type bodyRecord struct {
	RefCount uint64
	Size     int64
}

func (r *bodyRecord) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldRefCount, protowire.VarintType)
	b = protowire.AppendVarint(b, r.RefCount)
	b = protowire.AppendTag(b, fieldSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Size)) //nolint:gosec // sizes are non-negative
	return b
}

func unmarshalBodyRecord(b []byte) (*bodyRecord, error) {
	r := &bodyRecord{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType {
			switch num {
			case fieldRefCount:
				v, n := protowire.ConsumeVarint(b)
				r.RefCount = v
				return n, nil
			case fieldSize:
				v, n := protowire.ConsumeVarint(b)
				r.Size = int64(v) //nolint:gosec // written from a non-negative int64
				return n, nil
			}
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, fmt.Errorf("decoding body record: %w", err)
	}
	return r, nil
}

// consumeFields walks the fields of a wire-format message. fn consumes
// one field value and returns its length, or a negative protowire error
// code.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

// encodeSeq converts a sequence number to a fixed-width big-endian key so
// cursor order matches insertion order.
func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

func decodeSeq(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b[:8])
}
