// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package utils

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
)

// Go runs fn on its own goroutine with panic isolation. A panicking task
// must not take the process down with it; the recovered value and stack are
// written to stderr because the panic may have happened before any logger
// existed.
func Go(ctx context.Context, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				fmt.Fprintf(os.Stderr, "goroutine panic: %v\n%s\n", r, debug.Stack())
			}
		}()
		if ctx != nil && ctx.Err() != nil {
			return
		}
		fn()
	}()
}
