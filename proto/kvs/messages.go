// Package kvs holds the wire messages and gRPC bindings of the kvs.v1.KeyValue
// service described in kvs.proto.
package kvs

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is implemented by every request and response of the service.
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal(b []byte) error
}

type GetRequest struct {
	Key []byte
}

type GetResponse struct {
	Value []byte
	Found bool
}

type SetRequest struct {
	Key   []byte
	Value []byte
}

type SetResponse struct{}

type RemoveRequest struct {
	Key []byte
}

type RemoveResponse struct{}

type CompactRequest struct{}

type CompactResponse struct {
	DiskBytes uint64
}

type StatsRequest struct{}

type StatsResponse struct {
	LiveKeys         uint64
	SegmentCount     uint64
	DiskBytes        uint64
	UncompactedBytes uint64
	Compactions      uint64
	State            string
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

// fieldFunc decodes the value of one field from b and returns the number of
// bytes it consumed, or -1 to have the field skipped.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func decodeFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			if m = protowire.ConsumeFieldValue(num, typ, b); m < 0 {
				return protowire.ParseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeBytes(num protowire.Number, typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("field %d: wire type %d, want bytes", num, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = append([]byte(nil), v...)
	return n, nil
}

func consumeVarint(num protowire.Number, typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("field %d: wire type %d, want varint", num, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func consumeBool(num protowire.Number, typ protowire.Type, b []byte, dst *bool) (int, error) {
	var v uint64
	n, err := consumeVarint(num, typ, b, &v)
	*dst = v != 0
	return n, err
}

func consumeString(num protowire.Number, typ protowire.Type, b []byte, dst *string) (int, error) {
	var v []byte
	n, err := consumeBytes(num, typ, b, &v)
	*dst = string(v)
	return n, err
}

func (m *GetRequest) Marshal() ([]byte, error) {
	return appendBytes(nil, 1, m.Key), nil
}

func (m *GetRequest) Unmarshal(b []byte) error {
	*m = GetRequest{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeBytes(num, typ, b, &m.Key)
		}
		return -1, nil
	})
}

func (m *GetResponse) Marshal() ([]byte, error) {
	b := appendBytes(nil, 1, m.Value)
	return appendBool(b, 2, m.Found), nil
}

func (m *GetResponse) Unmarshal(b []byte) error {
	*m = GetResponse{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeBytes(num, typ, b, &m.Value)
		case 2:
			return consumeBool(num, typ, b, &m.Found)
		}
		return -1, nil
	})
}

func (m *SetRequest) Marshal() ([]byte, error) {
	b := appendBytes(nil, 1, m.Key)
	return appendBytes(b, 2, m.Value), nil
}

func (m *SetRequest) Unmarshal(b []byte) error {
	*m = SetRequest{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeBytes(num, typ, b, &m.Key)
		case 2:
			return consumeBytes(num, typ, b, &m.Value)
		}
		return -1, nil
	})
}

func (m *SetResponse) Marshal() ([]byte, error) { return nil, nil }

func (m *SetResponse) Unmarshal(b []byte) error { return skipAll(b) }

func (m *RemoveRequest) Marshal() ([]byte, error) {
	return appendBytes(nil, 1, m.Key), nil
}

func (m *RemoveRequest) Unmarshal(b []byte) error {
	*m = RemoveRequest{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeBytes(num, typ, b, &m.Key)
		}
		return -1, nil
	})
}

func (m *RemoveResponse) Marshal() ([]byte, error) { return nil, nil }

func (m *RemoveResponse) Unmarshal(b []byte) error { return skipAll(b) }

func (m *CompactRequest) Marshal() ([]byte, error) { return nil, nil }

func (m *CompactRequest) Unmarshal(b []byte) error { return skipAll(b) }

func (m *CompactResponse) Marshal() ([]byte, error) {
	return appendVarint(nil, 1, m.DiskBytes), nil
}

func (m *CompactResponse) Unmarshal(b []byte) error {
	*m = CompactResponse{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeVarint(num, typ, b, &m.DiskBytes)
		}
		return -1, nil
	})
}

func (m *StatsRequest) Marshal() ([]byte, error) { return nil, nil }

func (m *StatsRequest) Unmarshal(b []byte) error { return skipAll(b) }

func (m *StatsResponse) Marshal() ([]byte, error) {
	b := appendVarint(nil, 1, m.LiveKeys)
	b = appendVarint(b, 2, m.SegmentCount)
	b = appendVarint(b, 3, m.DiskBytes)
	b = appendVarint(b, 4, m.UncompactedBytes)
	b = appendVarint(b, 5, m.Compactions)
	return appendBytes(b, 6, []byte(m.State)), nil
}

func (m *StatsResponse) Unmarshal(b []byte) error {
	*m = StatsResponse{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeVarint(num, typ, b, &m.LiveKeys)
		case 2:
			return consumeVarint(num, typ, b, &m.SegmentCount)
		case 3:
			return consumeVarint(num, typ, b, &m.DiskBytes)
		case 4:
			return consumeVarint(num, typ, b, &m.UncompactedBytes)
		case 5:
			return consumeVarint(num, typ, b, &m.Compactions)
		case 6:
			return consumeString(num, typ, b, &m.State)
		}
		return -1, nil
	})
}

// skipAll validates a message with no known fields.
func skipAll(b []byte) error {
	return decodeFields(b, func(protowire.Number, protowire.Type, []byte) (int, error) {
		return -1, nil
	})
}
