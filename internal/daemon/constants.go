package daemon

import "time"

const (
	SocketName           = "sdlive.sock"
	ClientDeadline       = 30 * time.Second
	DaemonStartTimeout   = 5 * time.Second
	DaemonPollInterval   = 100 * time.Millisecond
	CleanupInterval      = time.Minute
	DefaultMaxOutputSize = 10 * 1024 * 1024 // 10 MB

	ReadModeNew = "new"
	ReadModeAll = "all"
)
