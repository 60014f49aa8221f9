// Package app defines the runtime contract shared by executable
// entrypoints.
//
// It lets cmd/* binaries start an application process without
// depending on its concrete wiring.
package app

// Runner represents a runnable application component.
type Runner interface {
	Run() error
}
