package matrix

import (
	_ "embed"
	"fmt"
)

//go:embed default.yaml
var defaultYAML []byte

// Default returns a fresh copy of the built-in matrix.
func Default() *Matrix {
	m, err := Parse(defaultYAML, FormatYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in matrix is invalid: %v", err))
	}
	return m
}
