package tools

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

type calculatorArgs struct {
	Operation string  `json:"operation" jsonschema:"enum=add,enum=subtract,enum=multiply,enum=divide" jsonschema_description:"The arithmetic operation to perform."`
	A         float64 `json:"a" jsonschema_description:"First operand."`
	B         float64 `json:"b" jsonschema_description:"Second operand."`
}

// Calculator returns the arithmetic tool.
func Calculator() *Tool {
	return &Tool{
		Name:        "calculator",
		Description: "Perform basic arithmetic (add, subtract, multiply, divide) on two numbers. Use it instead of doing math in your head.",
		Parameters:  SchemaFor[calculatorArgs](),
		SideEffect:  ReadOnly,
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			in, err := DecodeArgs[calculatorArgs](args)
			if err != nil {
				return "", err
			}
			var r float64
			switch in.Operation {
			case "add":
				r = in.A + in.B
			case "subtract":
				r = in.A - in.B
			case "multiply":
				r = in.A * in.B
			case "divide":
				if in.B == 0 {
					return "", errors.New("cannot divide by zero")
				}
				r = in.A / in.B
			default:
				return "", &ArgumentError{ToolName: "calculator", Problems: []string{"unknown operation " + strconv.Quote(in.Operation)}}
			}
			return strconv.FormatFloat(r, 'g', -1, 64), nil
		},
	}
}

// FactTeacher stores a fact in long-term memory.
type FactTeacher interface {
	Insert(ctx context.Context, text string) (uuid.UUID, error)
}

type rememberArgs struct {
	Fact string `json:"fact" jsonschema_description:"A self-contained statement to remember, e.g. 'The author lives in Gdynia.'"`
}

// RememberFact returns a tool that teaches the assistant a new fact.
func RememberFact(store FactTeacher) *Tool {
	return &Tool{
		Name:        "remember_fact",
		Description: "Store a fact in long-term memory so it can be recalled in later conversations. Only use it when the user asks you to remember something.",
		Parameters:  SchemaFor[rememberArgs](),
		SideEffect:  Mutating,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			in, err := DecodeArgs[rememberArgs](args)
			if err != nil {
				return "", err
			}
			id, err := store.Insert(ctx, in.Fact)
			if err != nil {
				return "", fmt.Errorf("remember: %w", err)
			}
			return fmt.Sprintf("Remembered (fact %s).", id), nil
		},
	}
}
