package process

import (
	"fmt"
	"io"
)

// ChunkSize is the read size used when duplicating a stream.
const ChunkSize = 4096

// Tee copies src chunk by chunk into console and persist until src reports
// end-of-stream. persist is closed exactly once, when Tee returns.
//
// A failing console write detaches the console and copying continues, so the
// persistent copy stays complete. Read and persist write errors end the copy.
func Tee(src io.Reader, console io.Writer, persist io.WriteCloser) (err error) {
	defer func() {
		if cerr := persist.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close log: %w", cerr)
		}
	}()

	buf := make([]byte, ChunkSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if console != nil {
				if _, werr := console.Write(chunk); werr != nil {
					console = nil
				}
			}
			if _, werr := persist.Write(chunk); werr != nil {
				return fmt.Errorf("write log: %w", werr)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read stream: %w", rerr)
		}
	}
}
