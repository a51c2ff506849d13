package report

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/core-tools/hsu-logtrack/pkg/errors"
	"github.com/core-tools/hsu-logtrack/pkg/format"
)

// copyLoggingSection writes the lines found strictly between the logging open
// and close markers of the document at path. It returns the number of lines copied.
func copyLoggingSection(w io.Writer, path string, f format.Formatter) (int, error) {
	in, err := os.Open(path)
	if err != nil {
		return 0, errors.NewIOError("failed to open log file for merge", err).WithContext("path", path)
	}
	defer in.Close()

	open, close := f.LoggingOpen(), f.LoggingClose()
	reader := bufio.NewReaderSize(in, 64*1024)

	inside := false
	copied := 0
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			text := strings.TrimRight(line, "\r\n")
			switch {
			case !inside && text == open:
				inside = true
			case inside && text == close:
				return copied, nil
			case inside:
				if _, werr := io.WriteString(w, text+format.LineSeparator); werr != nil {
					return copied, errors.NewIOError("failed to write merged lines", werr)
				}
				copied++
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return copied, errors.NewIOError("failed to read log file for merge", err).WithContext("path", path)
		}
	}

	// A document cut short still contributes what it holds
	return copied, nil
}
