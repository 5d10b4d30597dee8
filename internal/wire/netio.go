package wire

import (
	"fmt"
	"io"
)

// WriteAll writes all of data to w, looping over short writes.
func WriteAll(w io.Writer, data []byte) error {
	totalWritten := 0
	for totalWritten < len(data) {
		n, err := w.Write(data[totalWritten:])
		if err != nil {
			return fmt.Errorf("write failed after %d/%d bytes: %w", totalWritten, len(data), err)
		}
		totalWritten += n
	}
	return nil
}

// ReadFull reads exactly len(buf) bytes from r, looping over short reads.
// It returns io.EOF if nothing was read and io.ErrUnexpectedEOF if the
// stream ended part way; other errors are wrapped.
func ReadFull(r io.Reader, buf []byte) (int, error) {
	totalRead := 0
	for totalRead < len(buf) {
		n, err := r.Read(buf[totalRead:])
		totalRead += n
		if err != nil {
			if err == io.EOF {
				if totalRead == len(buf) {
					return totalRead, nil
				}
				if totalRead > 0 {
					return totalRead, io.ErrUnexpectedEOF
				}
				return 0, io.EOF
			}
			return totalRead, fmt.Errorf("read failed after %d/%d bytes: %w", totalRead, len(buf), err)
		}
	}
	return totalRead, nil
}
