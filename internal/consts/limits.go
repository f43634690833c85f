package consts

import "time"

// Buffer sizes for various operations
const (
	// RecvBufferSize is how many bytes a shell client reads per receive
	RecvBufferSize = 1024
	// BufferSize64KB is 64 kilobytes
	BufferSize64KB = 64 * 1024
)

// Shell defaults
const (
	// DefaultPrompt is sent after every response unless PROMPT is overridden
	DefaultPrompt = "?>"
	// MaxSubstitutionDepth bounds nested command substitution
	MaxSubstitutionDepth = 16
	// DefaultHistoryLimit is how many history entries are listed without an explicit count
	DefaultHistoryLimit = 20
	// ExitNotFound is the exit code reported for unknown commands
	ExitNotFound = 127
)

// Timeouts for various operations
const (
	// Timeout1Second is a 1 second timeout
	Timeout1Second = 1 * time.Second
	// Timeout5Seconds is a 5 second timeout
	Timeout5Seconds = 5 * time.Second
	// Timeout10Seconds is a 10 second timeout
	Timeout10Seconds = 10 * time.Second

	// AcceptTimeout bounds each accept call so the accept loop can observe shutdown
	AcceptTimeout = Timeout1Second
	// RecvTimeout bounds each client read so the client loop can observe its exit flag
	RecvTimeout = Timeout1Second
	// WriteTimeout bounds each write to a client
	WriteTimeout = Timeout10Seconds
	// ShutdownTimeout bounds the HTTP shutdown of the websocket listener
	ShutdownTimeout = Timeout5Seconds
)
