package job

const (
	ReadBufferSize = 4096

	// exit code reported when the process could not report one
	UnknownExitCode = -1
)
