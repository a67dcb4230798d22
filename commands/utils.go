// Copyright (C) 2024 the cargo-depot authors.
//
// This library is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; version
// 2.1 only.
//
// This library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// The license can be found in the file `LICENSE` in the top level
// directory of this repository.

package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// WithSilent marks errors whose message has already been shown to the
// user; callers only act on the exit code.
type WithSilent interface {
	Silent() bool
}

// WithExitCode carries the process exit code of a failed command.
type WithExitCode interface {
	ExitCode() int
}

type exitError struct {
	code int
}

func (e *exitError) ExitCode() int {
	return e.code
}

func (e *exitError) Silent() bool {
	return true
}

func (e *exitError) Error() string {
	return fmt.Sprintf("ExitError - exit code: %d", e.code)
}

func newExitError(code int) *exitError {
	return &exitError{
		code: code,
	}
}

// DefaultRunWrapper adapts an error-returning command to cobra's Run,
// printing non-silent errors and terminating with the error's exit code.
func DefaultRunWrapper(f CobraErrorCommand) CobraCommand {
	return func(cmd *cobra.Command, args []string) {
		err := f(cmd, args)
		if err == nil {
			return
		}
		if s, ok := err.(WithSilent); !ok || !s.Silent() {
			fmt.Fprintln(os.Stderr, err)
		}
		code := 1
		if e, ok := err.(WithExitCode); ok {
			code = e.ExitCode()
		}
		os.Exit(code)
	}
}
