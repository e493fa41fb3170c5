package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// readLines calls fn with every line of r, terminator stripped. Lines longer
// than limit bytes are skipped and reported through tooLong. The slice passed
// to fn is only valid for the duration of the call. readLines returns nil at
// EOF.
func readLines(r io.Reader, limit int, fn func(line []byte), tooLong func(size int)) error {
	br := bufio.NewReaderSize(r, min(limit, 64<<10))
	var line []byte
	size := 0
	for {
		chunk, err := br.ReadSlice('\n')
		size += len(chunk)
		if size <= limit+1 {
			line = append(line, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if size > 0 {
			if size > limit+1 {
				tooLong(size)
			} else {
				fn(bytes.TrimRight(line, "\r\n"))
			}
			line, size = line[:0], 0
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
