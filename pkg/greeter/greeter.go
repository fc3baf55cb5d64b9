// Package greeter implements the greeter function: every greeting logs
// once right away and then keeps logging from the instance at a fixed
// interval, so delayed delivery can be observed from the outside.
package greeter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sjwiesman/settimeout-go/internal/errors"
	"github.com/sjwiesman/settimeout-go/pkg/diagnostics"
	"github.com/sjwiesman/settimeout-go/pkg/shortid"
	"github.com/sjwiesman/settimeout-go/pkg/statefun"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	DefaultRepeats  = 200
	DefaultInterval = 5 * time.Second

	immediateMessage = "Hi from now."
)

var (
	FunctionType = statefun.TypeNameFrom("settimeout/greeter")

	SayHelloType = statefun.MakeJsonType(statefun.TypeNameFrom("settimeout/SayHello"))

	// SayHelloStructType carries a greeting as a google.protobuf.Struct
	// with the string fields name and who.
	SayHelloStructType = statefun.MakeProtobufType(statefun.TypeNameFrom("google.protobuf/Struct"))

	LogType = statefun.MakeJsonType(statefun.TypeNameFrom("settimeout/Log"))

	NameSpec = statefun.ValueSpec{
		Name:      "name",
		ValueType: statefun.StringType,
	}

	IdentifiersSpec = statefun.ValueSpec{
		Name:      "identifiers",
		ValueType: statefun.MakeJsonType(statefun.TypeNameFrom("settimeout/Identifiers")),
	}
)

type SayHello struct {
	Name string `json:"name"`
	Who  string `json:"who"`
}

// Log is a delayed diagnostic the instance sends to itself.
type Log struct {
	Identity diagnostics.Identity `json:"identity"`
	Message  string               `json:"message"`
}

// Emitter is implemented by *diagnostics.Emitter.
type Emitter interface {
	Log(ctx context.Context, identity diagnostics.Identity, message string) error
	Trace(identity diagnostics.Identity, message string) string
	Send(ctx context.Context, identity diagnostics.Identity, line string) error
}

type Greeter struct {
	Emitter Emitter

	// Repeats is the number of delayed logs per greeting.
	Repeats int

	// Interval separates two delayed logs.
	Interval time.Duration
}

// DecodeStruct reads a greeting serialized as SayHelloStructType.
func DecodeStruct(data []byte) (SayHello, error) {
	var body structpb.Struct
	if err := SayHelloStructType.Deserialize(&body, data); err != nil {
		return SayHello{}, err
	}
	return fromStruct(&body), nil
}

func fromStruct(body *structpb.Struct) SayHello {
	return SayHello{
		Name: body.GetFields()["name"].GetStringValue(),
		Who:  body.GetFields()["who"].GetStringValue(),
	}
}

func Greeting(who string) string {
	return fmt.Sprintf("Hello, %s!", who)
}

func (g Greeter) Spec() statefun.StatefulFunctionSpec {
	return statefun.StatefulFunctionSpec{
		FunctionType: FunctionType,
		States:       []statefun.ValueSpec{NameSpec, IdentifiersSpec},
		Function:     g,
	}
}

func (g Greeter) Invoke(ctx statefun.Context, msg statefun.Message) error {
	switch {
	case msg.Is(SayHelloType):
		var request SayHello
		if err := msg.As(SayHelloType, &request); err != nil {
			return fmt.Errorf("failed to read greeting request: %w", err)
		}
		return g.sayHello(ctx, request)

	case msg.Is(SayHelloStructType):
		var body structpb.Struct
		if err := msg.As(SayHelloStructType, &body); err != nil {
			return fmt.Errorf("failed to read greeting request: %w", err)
		}
		return g.sayHello(ctx, fromStruct(&body))

	case msg.Is(LogType):
		var entry Log
		if err := msg.As(LogType, &entry); err != nil {
			return fmt.Errorf("failed to read delayed log: %w", err)
		}
		return g.log(ctx, entry)

	default:
		return fmt.Errorf("greeter cannot handle messages of type %s", msg.TypeName())
	}
}

// log traces a delayed diagnostic on the instance and ships it to the
// remote sink in the background.
func (g Greeter) log(ctx statefun.Context, entry Log) error {
	line := g.Emitter.Trace(entry.Identity, entry.Message)

	ctx.Go(func(ctx context.Context) error {
		return g.Emitter.Send(ctx, entry.Identity, line)
	})
	return nil
}

func (g Greeter) sayHello(ctx statefun.Context, request SayHello) error {
	repeats, interval := g.Repeats, g.Interval
	if repeats <= 0 {
		repeats = DefaultRepeats
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	if free := ctx.TimerCapacity(); free < repeats {
		return errors.Unavailable(statefun.ErrTimerQueueFull,
			"%s can hold %d more delayed logs, a greeting needs %d", ctx.Self(), free, repeats)
	}

	if err := ctx.Storage().Set(NameSpec, request.Name); err != nil {
		return err
	}

	identity, err := identify(ctx, request.Name)
	if err != nil {
		return err
	}

	if err := g.Emitter.Log(ctx, identity, immediateMessage); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to ship immediate diagnostic")
	}

	for i := 1; i <= repeats; i++ {
		delay := time.Duration(i) * interval
		ctx.SendAfter(delay, statefun.MessageBuilder{
			Target: ctx.Self(),
			Value: Log{
				Identity: identity,
				Message:  fmt.Sprintf("Hi from %s seconds ago.", strconv.FormatFloat(delay.Seconds(), 'f', -1, 64)),
			},
			ValueType: LogType,
		})
	}

	ctx.Reply(statefun.MessageBuilder{Value: Greeting(request.Who)})
	return nil
}

// identify resolves the short ids of the instance through its identifier cache.
func identify(ctx statefun.Context, name string) (diagnostics.Identity, error) {
	cache := shortid.NewCache()
	if _, err := ctx.Storage().Get(IdentifiersSpec, cache); err != nil {
		return diagnostics.Identity{}, err
	}

	activation := ctx.Activation()

	objectID, err := cache.Lookup(activation.RawObjectID)
	if err != nil {
		return diagnostics.Identity{}, err
	}

	instanceID, err := cache.Lookup(activation.RawInstanceID)
	if err != nil {
		return diagnostics.Identity{}, err
	}

	if err := ctx.Storage().Set(IdentifiersSpec, cache); err != nil {
		return diagnostics.Identity{}, err
	}

	return diagnostics.Identity{
		Name:          name,
		ObjectID:      objectID,
		RawObjectID:   activation.RawObjectID,
		InstanceID:    instanceID,
		RawInstanceID: activation.RawInstanceID,
	}, nil
}
