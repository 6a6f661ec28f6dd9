package tern

import "fmt"

// Version constants.
const (
	Major = 0
	Minor = 1
	Patch = 0
)

// Version returns the library version string.
func Version() string {
	return fmt.Sprintf("tern %d.%d.%d", Major, Minor, Patch)
}
