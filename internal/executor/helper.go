package executor

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/castscribe/pkg/logger"
)

const (
	dimStart = "\033[2m"
	dimEnd   = "\033[0m"
)

// StreamDimmed copies r line by line into buf and echoes each line greyed out to out.
// Worker scripts print model download and progress bars; this keeps them visible
// without mixing them into the structured log.
func StreamDimmed(wg *sync.WaitGroup, r io.Reader, buf *bytes.Buffer, out io.Writer) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	// transcription JSON can arrive as a single long line
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		if out != nil {
			fmt.Fprintf(out, "%s  │ %s%s\n", dimStart, line, dimEnd)
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Debugf("Scanner error (may be normal): %v", err)
	}
}
