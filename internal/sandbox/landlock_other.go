//go:build !linux

package sandbox

const supported = false

func systemPaths() []string {
	return nil
}

// Restrict is a no-op on non-Linux.
func (s *Sandbox) Restrict() error {
	if !s.cfg.Disabled {
		s.log.Debug("Landlock sandboxing not available on this platform")
	}
	return nil
}
