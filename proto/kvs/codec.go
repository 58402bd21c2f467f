package kvs

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Name is the codec name and the content subtype clients must request.
const Name = "kvs"

func init() {
	encoding.RegisterCodec(codec{})
}

// codec marshals the messages of this package for gRPC.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("kvs codec: cannot marshal %T", v)
	}
	return m.Marshal()
}

func (codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("kvs codec: cannot unmarshal into %T", v)
	}
	return m.Unmarshal(data)
}

func (codec) Name() string {
	return Name
}
