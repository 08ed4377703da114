// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command overflowcheck classifies a captured backend error body.
//
// Useful when wiring a new backend: paste the literal 400 response and
// see whether the matcher list recognizes it and which token counts it
// extracts.
//
// Usage:
//
//	overflowcheck [-status 400] [file]
//
// Reads the body from the file argument, or stdin when omitted.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/morganforge/ctxrecover/overflow"
)

func main() {
	status := flag.Int("status", 400, "HTTP status code of the captured response")
	flag.Parse()

	body, err := readBody(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "overflowcheck: %v\n", err)
		os.Exit(1)
	}

	ovf, ok := overflow.Classify(*status, string(body))
	if !ok {
		if overflow.IsOverflowError(string(body)) {
			fmt.Println("not classified: overflow wording detected but no token counts parseable (fallback eviction would apply)")
		} else {
			fmt.Println("not classified: not a context overflow")
		}
		os.Exit(2)
	}

	fmt.Printf("overflow: needed %d tokens, limit %d, deficit %d\n",
		ovf.Needed, ovf.Limit, ovf.Deficit())
}

func readBody(path string) ([]byte, error) {
	if path == "" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
