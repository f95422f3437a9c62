package manager

import "github.com/yolkispalkis/pacgate/pkg/resolver"

// Status is a point-in-time view of the manager for reporting.
type Status struct {
	Mode          Mode
	BypassEntries int

	// Script fields are set in pac and wpad modes only.
	ScriptLoaded   bool
	ScriptLocation string
	Fingerprint    string
	Stale          bool
	LastError      string
	Cache          resolver.Stats
}

// Status reports the current mode, script and cache state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	st := Status{Mode: m.mode, BypassEntries: m.bypassMatcher.Len()}
	script := m.script
	m.mu.RUnlock()

	if !m.usesScript() {
		return st
	}
	if script != nil {
		st.ScriptLoaded = true
		st.Fingerprint = script.Fingerprint()
	}
	if doc := m.loader.Current(); doc != nil {
		st.ScriptLocation = doc.Location
	}
	st.Stale = m.loader.Stale()
	if err := m.loader.LastError(); err != nil {
		st.LastError = err.Error()
	}
	st.Cache = m.resolver.Stats()
	return st
}
