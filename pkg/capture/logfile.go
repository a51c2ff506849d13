package capture

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/core-tools/hsu-logtrack/pkg/errors"
	"github.com/core-tools/hsu-logtrack/pkg/format"
)

// tailWindow bounds how much of a damaged file is inspected on repair
const tailWindow = 64 * 1024

// logFile is an open document whose closing lines are always the last bytes
// of the file. Appends are written in front of the closing lines.
type logFile struct {
	path    string
	file    *os.File
	size    int64
	header  []byte
	closing []byte
}

// openLogFile opens or creates the document at path. A new file gets the
// skeleton; an existing file with missing closing lines is repaired.
// created reports whether the skeleton was written.
func openLogFile(path string, formatter format.Formatter) (lf *logFile, created bool, err error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, false, errors.NewIOError("failed to open log file", err).WithContext("path", path)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, false, errors.NewIOError("failed to stat log file", err).WithContext("path", path)
	}

	lf = &logFile{
		path:    path,
		file:    file,
		size:    info.Size(),
		header:  []byte(format.JoinLines(format.HeaderLines(formatter, "", nil))),
		closing: []byte(format.JoinLines(format.ClosingLines(formatter))),
	}

	if lf.size == 0 {
		err = lf.writeSkeleton()
		created = true
	} else {
		err = lf.repairTail()
	}
	if err != nil {
		file.Close()
		return nil, false, err
	}
	return lf, created, nil
}

func (lf *logFile) writeSkeleton() error {
	if err := lf.file.Truncate(0); err != nil {
		return errors.NewIOError("failed to truncate log file", err).WithContext("path", lf.path)
	}
	skeleton := append(append([]byte(nil), lf.header...), lf.closing...)
	if _, err := lf.file.WriteAt(skeleton, 0); err != nil {
		return errors.NewIOError("failed to write log file skeleton", err).WithContext("path", lf.path)
	}
	lf.size = int64(len(skeleton))
	return nil
}

// repairTail restores the closing lines after an interrupted write: a partial
// last line is cut, any closing lines left over are dropped, and the closing
// lines are written again.
func (lf *logFile) repairTail() error {
	if lf.size >= int64(len(lf.closing)) {
		tail := make([]byte, len(lf.closing))
		if _, err := lf.file.ReadAt(tail, lf.size-int64(len(tail))); err != nil && err != io.EOF {
			return errors.NewIOError("failed to read log file tail", err).WithContext("path", lf.path)
		}
		if bytes.Equal(tail, lf.closing) {
			return nil
		}
	}

	start := lf.size - tailWindow
	if start < 0 {
		start = 0
	}
	buf := make([]byte, lf.size-start)
	if _, err := lf.file.ReadAt(buf, start); err != nil && err != io.EOF {
		return errors.NewIOError("failed to read log file tail", err).WithContext("path", lf.path)
	}

	cut := bytes.LastIndexByte(buf, '\n') + 1
	for cut > 0 {
		prev := bytes.LastIndexByte(buf[:cut-1], '\n') + 1
		if !lf.isClosingLine(string(buf[prev : cut-1])) {
			break
		}
		cut = prev
	}

	end := start + int64(cut)
	if end < int64(len(lf.header)) {
		return lf.writeSkeleton()
	}
	if err := lf.file.Truncate(end); err != nil {
		return errors.NewIOError("failed to truncate log file", err).WithContext("path", lf.path)
	}
	if _, err := lf.file.WriteAt(lf.closing, end); err != nil {
		return errors.NewIOError("failed to write closing lines", err).WithContext("path", lf.path)
	}
	lf.size = end + int64(len(lf.closing))
	return lf.sync()
}

func (lf *logFile) isClosingLine(line string) bool {
	for _, closing := range strings.Split(strings.TrimSuffix(string(lf.closing), format.LineSeparator), format.LineSeparator) {
		if line == closing {
			return true
		}
	}
	return false
}

// append writes data in front of the closing lines and rewrites them
func (lf *logFile) append(data []byte) error {
	offset := lf.size - int64(len(lf.closing))
	if _, err := lf.file.WriteAt(data, offset); err != nil {
		return errors.NewIOError("failed to write records", err).WithContext("path", lf.path)
	}
	if _, err := lf.file.WriteAt(lf.closing, offset+int64(len(data))); err != nil {
		return errors.NewIOError("failed to rewrite closing lines", err).WithContext("path", lf.path)
	}
	lf.size += int64(len(data))
	return nil
}

func (lf *logFile) sync() error {
	if err := lf.file.Sync(); err != nil {
		return errors.NewIOError("failed to sync log file", err).WithContext("path", lf.path)
	}
	return nil
}

func (lf *logFile) close() error {
	if err := lf.file.Close(); err != nil {
		return errors.NewIOError("failed to close log file", err).WithContext("path", lf.path)
	}
	return nil
}
