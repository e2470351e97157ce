package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
)

var ErrInvalidArguments = errors.New("invalid tool arguments")

// validate is shared by config and tool argument checks.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report json names, which is what the guest sent
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name, _, _ := strings.Cut(f.Tag.Get("json"), ","); name != "" && name != "-" {
			return name
		}
		return f.Name
	})
	_ = v.RegisterValidation("loopback", func(fl validator.FieldLevel) bool {
		host, _, err := net.SplitHostPort(fl.Field().String())
		if err != nil {
			return false
		}
		if host == "localhost" {
			return true
		}
		ip := net.ParseIP(host)
		return ip != nil && ip.IsLoopback()
	})
	return v
}

var reflector = jsonschema.Reflector{ExpandedStruct: true, DoNotReference: true}

// Tool is one entry of tools/list.
type Tool struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	InputSchema *jsonschema.Schema `json:"inputSchema"`

	call func(ctx context.Context, args json.RawMessage) (string, error)
}

// newTool derives the input schema from A and decodes, validates and passes
// arguments to fn.
func newTool[A any](name, description string, fn func(ctx context.Context, args *A) (string, error)) *Tool {
	return &Tool{
		Name:        name,
		Description: description,
		InputSchema: reflector.Reflect(new(A)),
		call: func(ctx context.Context, raw json.RawMessage) (string, error) {
			args := new(A)
			if len(raw) > 0 && string(raw) != "null" {
				if err := json.Unmarshal(raw, args); err != nil {
					return "", fmt.Errorf("%w: %v", ErrInvalidArguments, err)
				}
			}
			if err := validate.Struct(args); err != nil {
				return "", fmt.Errorf("%w: %v", ErrInvalidArguments, err)
			}
			return fn(ctx, args)
		},
	}
}

type noArgs struct{}

func jsonText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
