package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
)

var validate = newValidator()

// newValidator reports JSON field names so failures match what the model sent.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Handler is the typed body of a tool.
type Handler[In, Out any] func(ctx context.Context, in In) (Out, error)

type typedTool[In, Out any] struct {
	name        string
	description string
	deadline    time.Duration
	schema      json.RawMessage
	handler     Handler[In, Out]
}

// NewTyped builds a Tool from a typed handler. The parameter schema is
// reflected from In, and decoded input is checked against In's validate
// tags before the handler runs.
func NewTyped[In, Out any](name, description string, deadline time.Duration, h Handler[In, Out]) Tool {
	return &typedTool[In, Out]{
		name:        name,
		description: description,
		deadline:    deadline,
		schema:      schemaFor[In](),
		handler:     h,
	}
}

func schemaFor[In any]() json.RawMessage {
	r := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		ExpandedStruct:            true,
	}
	s := r.Reflect(new(In))
	s.Version = ""
	s.ID = ""
	data, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

func (t *typedTool[In, Out]) Name() string                { return t.name }
func (t *typedTool[In, Out]) Description() string         { return t.description }
func (t *typedTool[In, Out]) Parameters() json.RawMessage { return t.schema }
func (t *typedTool[In, Out]) Deadline() time.Duration     { return t.deadline }

func (t *typedTool[In, Out]) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in In
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, &Failure{Reason: "invalid_input", Detail: err.Error()}
	}
	if err := validate.Struct(in); err != nil {
		return nil, &Failure{Reason: "invalid_input", Detail: describeValidation(err)}
	}
	out, err := t.handler(ctx, in)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", t.name, err)
	}
	return data, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}
