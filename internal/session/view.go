package session

import "github.com/schovi/sdlive/internal/preview"

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// View is what the session drives on screen. Implementations must be safe
// for use from multiple goroutines.
type View interface {
	// Reset clears transient state (log, progress, image) before a run.
	Reset()
	ShowFrame(f *preview.Frame)
	ShowArtifact(path string, data []byte)
	ShowEmpty()
	Notify(level Level, msg string)
}

// Console receives UI log lines alongside backend output.
type Console interface {
	Line(msg string)
	Reset()
}

type nopView struct{}

func (nopView) Reset()                      {}
func (nopView) ShowFrame(*preview.Frame)    {}
func (nopView) ShowArtifact(string, []byte) {}
func (nopView) ShowEmpty()                  {}
func (nopView) Notify(Level, string)        {}

type nopConsole struct{}

func (nopConsole) Line(string) {}
func (nopConsole) Reset()      {}
