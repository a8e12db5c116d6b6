// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package lifecycle

import (
	"bufio"
	"bytes"
)

// condenseStack rewrites a goroutine dump to roughly one line per
// frame, keeping goroutine ids and function:line pairs and dropping
// addresses, arguments and creator frames. When the dump does not
// parse the original is returned whole, oversized beats missing.
func condenseStack(dump []byte) (short []byte) {
	defer func() {
		if recover() != nil {
			short = dump
		}
	}()

	var out bytes.Buffer
	skip := false

	scanner := bufio.NewScanner(bytes.NewReader(dump))
	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case skip:
			skip = false

		case len(line) == 0:
			out.WriteByte('\n')

		case bytes.HasPrefix(line, []byte("goroutine ")):
			id := line[len("goroutine "):]
			id = id[:bytes.IndexByte(id, ' ')]
			out.WriteString("goroutine ")
			out.Write(id)
			out.WriteByte('\n')

		case line[0] == '\t':
			// "\t/path/file.go:123 +0x2e" keeps only the line number,
			// completing the "func:" the previous line emitted.
			loc := line[bytes.LastIndexByte(line, ':')+1:]
			if sp := bytes.IndexByte(loc, ' '); sp >= 0 {
				loc = loc[:sp]
			}
			out.Write(loc)
			out.WriteByte('\n')

		case bytes.HasPrefix(line, []byte("created by ")):
			// The creator frame and its location say nothing about
			// what the goroutine is stuck on now.
			skip = true

		default:
			out.WriteByte('\t')
			out.Write(line[:bytes.LastIndexByte(line, '(')])
			out.WriteByte(':')
		}
	}
	if scanner.Err() != nil {
		return dump
	}
	return out.Bytes()
}
