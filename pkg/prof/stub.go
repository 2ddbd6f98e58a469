//go:build !profile

package prof

// Profiling errors (defined for API compatibility but never returned by stubs).
var (
	// ErrSessionActive indicates a capture session is already running.
	ErrSessionActive error

	// ErrInvalidProfile indicates an unknown snapshot profile.
	ErrInvalidProfile error
)

// Snapshots is empty when built without the "profile" tag.
var Snapshots []string

// Enabled reports whether profiling support was compiled in.
const Enabled = false

// Session is an inert capture.
type Session struct {
	dir string
}

// Start returns an inert session when built without the "profile" tag.
func Start(dir string) (*Session, error) {
	return &Session{dir: dir}, nil
}

// Dir returns the output directory.
func (s *Session) Dir() string {
	return s.dir
}

// Stop is a no-op when built without the "profile" tag.
func (s *Session) Stop() error {
	return nil
}
