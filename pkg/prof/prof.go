//go:build profile

package prof

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sync"
)

// Profiling errors.
var (
	// ErrSessionActive indicates a capture session is already running.
	ErrSessionActive = errors.New("profile session already active")

	// ErrInvalidProfile indicates an unknown snapshot profile.
	ErrInvalidProfile = errors.New("invalid profile")
)

// Snapshots written when a session stops.
var Snapshots = []string{"heap", "goroutine", "block", "mutex"}

// Enabled reports whether profiling support was compiled in.
const Enabled = true

var (
	mu     sync.Mutex
	active *Session
)

// Session is a running capture.
type Session struct {
	dir  string
	cpu  *os.File
	once sync.Once
	err  error
}

// Start begins a capture into dir, creating it if needed.
// Returns [ErrSessionActive] if another session is running.
func Start(dir string) (*Session, error) {
	mu.Lock()
	defer mu.Unlock()

	if active != nil {
		return nil, ErrSessionActive
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	f, err := os.Create(filepath.Join(dir, "cpu.prof"))
	if err != nil {
		return nil, err
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return nil, err
	}

	runtime.SetBlockProfileRate(1)
	runtime.SetMutexProfileFraction(1)

	active = &Session{dir: dir, cpu: f}
	return active, nil
}

// Dir returns the output directory.
func (s *Session) Dir() string {
	return s.dir
}

// Stop ends the CPU profile and writes every snapshot. Later calls return
// the first result.
func (s *Session) Stop() error {
	s.once.Do(func() {
		mu.Lock()
		defer mu.Unlock()

		pprof.StopCPUProfile()
		errs := []error{s.cpu.Close()}
		for _, name := range Snapshots {
			errs = append(errs, writeSnapshot(filepath.Join(s.dir, name+".prof"), name))
		}

		runtime.SetBlockProfileRate(0)
		runtime.SetMutexProfileFraction(0)
		active = nil
		s.err = errors.Join(errs...)
	})
	return s.err
}

func writeSnapshot(path, name string) error {
	p := pprof.Lookup(name)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrInvalidProfile, name)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := p.WriteTo(f, 0); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
