// Package baselime is a minimal client for the Baselime log ingestion API.
package baselime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/bytebufferpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultEndpoint = "https://events.baselime.io/v1/logs"
	DefaultService  = "do-settimeout-bug"
	DefaultTimeout  = 10 * time.Second

	maxErrorBody = 512
)

var (
	json   = jsoniter.ConfigCompatibleWithStandardLibrary
	tracer = otel.Tracer("github.com/sjwiesman/settimeout-go/pkg/baselime")

	// ErrUnreachable wraps every transport failure, including
	// cancellation of the request context.
	ErrUnreachable = errors.New("baselime is unreachable")
)

// StatusError is returned when the API answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("baselime answered %d", e.StatusCode)
	}
	return fmt.Sprintf("baselime answered %d: %s", e.StatusCode, e.Body)
}

// Data carries the identifiers attached to every event.
type Data struct {
	ObjectID      string `json:"object_id"`
	RawObjectID   string `json:"raw_object_id"`
	InstanceID    string `json:"instance_id"`
	RawInstanceID string `json:"raw_instance_id"`
}

type Event struct {
	Message   string `json:"message"`
	Namespace string `json:"namespace"`
	Data      Data   `json:"data"`
}

type Options struct {
	// Endpoint defaults to DefaultEndpoint.
	Endpoint string

	APIKey string

	// Service is sent as the x-service header and defaults to DefaultService.
	Service string

	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client

	// Timeout bounds every request and defaults to DefaultTimeout.
	Timeout time.Duration
}

type Client struct {
	endpoint string
	apiKey   string
	service  string
	http     *http.Client
}

func NewClient(options Options) *Client {
	if options.Endpoint == "" {
		options.Endpoint = DefaultEndpoint
	}
	if options.Service == "" {
		options.Service = DefaultService
	}
	if options.Timeout <= 0 {
		options.Timeout = DefaultTimeout
	}
	if options.HTTPClient == nil {
		options.HTTPClient = &http.Client{Timeout: options.Timeout}
	}

	return &Client{
		endpoint: options.Endpoint,
		apiKey:   options.APIKey,
		service:  options.Service,
		http:     options.HTTPClient,
	}
}

// Send posts events as a single JSON array. It is not retried.
func (c *Client) Send(ctx context.Context, events ...Event) (err error) {
	if len(events) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "baselime.send")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	buffer := bytebufferpool.Get()
	defer bytebufferpool.Put(buffer)

	if err := json.NewEncoder(buffer).Encode(events); err != nil {
		return fmt.Errorf("failed to encode %d events: %w", len(events), err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(buffer.B))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	request.Header.Set("x-api-key", c.apiKey)
	request.Header.Set("content-type", "application/json")
	request.Header.Set("x-service", c.service)

	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer response.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", response.StatusCode))

	body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, response.Body)

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return &StatusError{
			StatusCode: response.StatusCode,
			Body:       string(bytes.TrimSpace(body)),
		}
	}

	return nil
}
