package logging

// StructuredLogger adds fluent structured fields on top of Logger
type StructuredLogger interface {
	Logger

	WithFields(fields ...Field) StructuredLogger
	WithError(err error) StructuredLogger
	WithComponent(name string) StructuredLogger

	// Sync flushes buffered entries of the backend
	Sync() error
}
