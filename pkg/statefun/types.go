package statefun

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/protobuf/proto"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// A Type describes how values of one TypeName are written
// to and read from the bytes carried by a Message or held
// in AddressScopedStorage.
type Type interface {
	GetTypeName() TypeName

	Deserialize(receiver interface{}, data []byte) error

	Serialize(data interface{}) ([]byte, error)
}

// PrimitiveType covers the scalar values the runtime encodes without
// an explicit Type: strings as raw bytes, int32 big endian.
type PrimitiveType int

const (
	Int32Type PrimitiveType = iota
	StringType
)

func (p PrimitiveType) GetTypeName() TypeName {
	switch p {
	case Int32Type:
		return int32TypeName
	case StringType:
		return stringTypeName
	default:
		log.Panicf("unknown primitive type %d", p)
		return nil
	}
}

func (p PrimitiveType) Deserialize(receiver interface{}, data []byte) error {
	switch p {
	case Int32Type:
		value, ok := receiver.(*int32)
		if !ok {
			return errors.New("receiver must be of type *int32")
		}
		if len(data) != 4 {
			return fmt.Errorf("an int32 takes 4 bytes, got %d", len(data))
		}
		*value = int32(binary.BigEndian.Uint32(data))
		return nil
	case StringType:
		value, ok := receiver.(*string)
		if !ok {
			return errors.New("receiver must be of type *string")
		}
		*value = string(data)
		return nil
	default:
		return fmt.Errorf("unknown primitive type %d", p)
	}
}

func (p PrimitiveType) Serialize(data interface{}) ([]byte, error) {
	switch p {
	case Int32Type:
		var value int32
		switch data := data.(type) {
		case int32:
			value = data
		case *int32:
			value = *data
		default:
			return nil, errors.New("data must be of type int32 or *int32")
		}
		return binary.BigEndian.AppendUint32(nil, uint32(value)), nil
	case StringType:
		switch data := data.(type) {
		case string:
			return []byte(data), nil
		case *string:
			return []byte(*data), nil
		default:
			return nil, errors.New("data must be of type string or *string")
		}
	default:
		return nil, fmt.Errorf("unknown primitive type %d", p)
	}
}

type jsonType struct {
	typeName TypeName
}

// MakeJsonType returns a Type that encodes values as JSON
// under the given TypeName.
func MakeJsonType(name TypeName) Type {
	return jsonType{typeName: name}
}

func (j jsonType) GetTypeName() TypeName {
	return j.typeName
}

func (j jsonType) Deserialize(receiver interface{}, data []byte) error {
	return json.Unmarshal(data, receiver)
}

func (j jsonType) Serialize(data interface{}) ([]byte, error) {
	return json.Marshal(data)
}

type protobufType struct {
	typeName TypeName
}

// MakeProtobufType returns a Type that encodes proto.Message
// values in the protobuf binary format under the given TypeName.
func MakeProtobufType(name TypeName) Type {
	return protobufType{typeName: name}
}

func (p protobufType) GetTypeName() TypeName {
	return p.typeName
}

func (p protobufType) Deserialize(receiver interface{}, data []byte) error {
	message, ok := receiver.(proto.Message)
	if !ok {
		return errors.New("receiver must implement proto.Message")
	}

	return proto.Unmarshal(data, message)
}

func (p protobufType) Serialize(data interface{}) ([]byte, error) {
	message, ok := data.(proto.Message)
	if !ok {
		return nil, errors.New("data must implement proto.Message")
	}

	return proto.Marshal(message)
}
