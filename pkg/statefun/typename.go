package statefun

import (
	"errors"
	"fmt"
	"strings"
)

var (
	int32TypeName  = TypeNameFrom("io.statefun.types/int")
	stringTypeName = TypeNameFrom("io.statefun.types/string")
)

// A TypeName is used to uniquely identify objects within
// an application, including functions and message types.
// TypeName's serve as an integral part of identifying these
// objects for message delivery as well as message data
// serialization and deserialization.
type TypeName interface {
	fmt.Stringer
	GetNamespace() string
	GetName() string
}

type typeName struct {
	namespace      string
	name           string
	typenameString string
}

func (t typeName) String() string {
	return t.typenameString
}

func (t typeName) GetNamespace() string {
	return t.namespace
}

func (t typeName) GetName() string {
	return t.name
}

// Creates a TypeName from a canonical string
// in the format `<namespace>/<Name>`. This Function
// assumes correctly formatted strings and will panic
// on error. For runtime error handling please
// see ParseTypeName.
func TypeNameFrom(typename string) TypeName {
	result, err := ParseTypeName(typename)
	if err != nil {
		panic(err)
	}

	return result
}

// Creates a TypeName from a canonical string
// in the format `<namespace>/<Name>`.
func ParseTypeName(typename string) (TypeName, error) {
	position := strings.LastIndex(typename, "/")
	if position <= 0 || position == len(typename)-1 {
		return nil, fmt.Errorf("%v does not conform to the <namespace>/<Name> format", typename)
	}

	namespace := strings.TrimRight(typename[:position], "/")
	name := typename[position+1:]

	if len(namespace) == 0 {
		return nil, errors.New("namespace cannot be empty")
	}

	return typeName{
		namespace:      namespace,
		name:           name,
		typenameString: namespace + "/" + name,
	}, nil
}

// An Address is the unique identity of an individual instance of a
// StatefulFunction: the function's TypeName and an id unique within
// that type. Requests for the same Address always reach the same
// instance for as long as it is activated.
type Address struct {
	TypeName
	Id string
}

func (a Address) String() string {
	if a.TypeName == nil {
		return "<nil>/" + a.Id
	}
	return a.TypeName.String() + "/" + a.Id
}

// IsZero reports whether the address names no function.
func (a Address) IsZero() bool {
	return a.TypeName == nil && a.Id == ""
}
