// Package prof captures runtime profiles of a running bridge.
//
// It is conditionally compiled using the "profile" build tag:
//
//	go build -tags profile ./cmd/usbuartd
//
// Without the tag, [Start] returns a [Session] whose Stop does nothing, so
// callers can leave the capture in place.
//
// A session streams a CPU profile into a directory while it runs and
// writes point-in-time snapshots when it stops:
//
//	s, err := prof.Start("profiles")
//	if err != nil {
//	    return err
//	}
//	defer s.Stop()
//
// Block and mutex sampling are enabled for the lifetime of the session.
// They cover the DMA channel locks and the blocking buffer acquisition on
// the debug sideband.
package prof
