package statefun

import (
	"errors"
)

// A MessageBuilder describes a message before it is
// serialized. Target may be left empty for messages
// that are only used as a reply to the caller.
type MessageBuilder struct {
	Target    Address
	Value     interface{}
	ValueType Type
}

func (m MessageBuilder) ToMessage() (Message, error) {
	if m.Value == nil {
		return Message{}, errors.New("a message cannot have a nil value")
	}

	if m.ValueType == nil {
		switch m.Value.(type) {
		case int:
			return Message{}, errors.New("ambiguous integer type; please specify int32")
		case int32, *int32:
			m.ValueType = Int32Type
		case string, *string:
			m.ValueType = StringType
		default:
			return Message{}, errors.New("message contains non-primitive type, please supply a non-nil Type")
		}
	}

	data, err := m.ValueType.Serialize(m.Value)
	if err != nil {
		return Message{}, err
	}

	return Message{
		target:   m.Target,
		typeName: m.ValueType.GetTypeName().String(),
		value:    data,
	}, nil
}

// A Message is a serialized value addressed to a function instance.
type Message struct {
	target   Address
	typeName string
	value    []byte
}

func (m *Message) Target() Address {
	return m.target
}

// TypeName returns the canonical type name of the carried value.
func (m *Message) TypeName() string {
	return m.typeName
}

func (m *Message) IsInt32() bool {
	return m.Is(Int32Type)
}

func (m *Message) AsInt32() (int32, error) {
	var receiver int32
	err := Int32Type.Deserialize(&receiver, m.value)
	return receiver, err
}

func (m *Message) IsString() bool {
	return m.Is(StringType)
}

func (m *Message) AsString() (string, error) {
	var receiver string
	err := StringType.Deserialize(&receiver, m.value)
	return receiver, err
}

func (m *Message) Is(t Type) bool {
	return t.GetTypeName().String() == m.typeName
}

func (m *Message) As(t Type, receiver interface{}) error {
	if !m.Is(t) {
		return errors.New("message of type " + m.typeName + " cannot be read as " + t.GetTypeName().String())
	}
	return t.Deserialize(receiver, m.value)
}
