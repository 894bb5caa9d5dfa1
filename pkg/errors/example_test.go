package errors_test

import (
	"fmt"
	"io"

	"github.com/countyops/assessorsync/pkg/errors"
)

// Example demonstrates basic error creation and wrapping.
func Example() {
	err := errors.New(errors.KindMappingMissing, "mapping not found").
		WithDetail("data_type", "property").
		WithDetail("name", "benton_2024")

	fmt.Println(err.Error())

	// Output:
	// MappingMissing: mapping not found
}

// ExampleWrap shows how to wrap existing errors with context.
func ExampleWrap() {
	err := errors.Wrap(io.ErrUnexpectedEOF, errors.KindMalformedInput, "truncated levy export").
		WithDetail("file", "levy_2024.txt")

	if errors.IsKind(err, errors.KindMalformedInput) {
		fmt.Println("malformed input")
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		fmt.Println("cause preserved")
	}

	// Output:
	// malformed input
	// cause preserved
}

// ExampleIsRetryable shows which failures the orchestrator retries.
func ExampleIsRetryable() {
	deadlock := errors.New(errors.KindTransactionConflict, "deadlock detected")
	bad := errors.New(errors.KindCoercionFailed, "land_value is not a number")

	fmt.Println(errors.IsRetryable(deadlock))
	fmt.Println(errors.IsRetryable(bad))

	// Output:
	// true
	// false
}
