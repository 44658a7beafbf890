package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// toStruct converts v to a protobuf Struct through its JSON form, so the
// wire shape matches the WebSocket and HTTP payloads.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(b, st); err != nil {
		return nil, fmt.Errorf("convert %T to struct: %w", v, err)
	}
	return st, nil
}

func fromStruct(st *structpb.Struct, v any) error {
	b, err := protojson.Marshal(st)
	if err != nil {
		return fmt.Errorf("convert struct: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
