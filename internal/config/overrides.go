package config

import "sync"

// Overrides holds runtime partial-config updates applied through the
// gateway's /config endpoint. They merge over the process-wide config
// without mutating it, so a restart always returns to the env-derived
// baseline.
type Overrides struct {
	mu       sync.RWMutex
	terminal TerminalConfig
	timeouts TimeoutConfig
}

// OverridePatch is the wire shape accepted by POST /config. Pointer
// fields distinguish "absent" from zero.
type OverridePatch struct {
	TerminalIP   *string `json:"terminalIp,omitempty"`
	TerminalPort *int    `json:"terminalPort,omitempty"`
	EcrID        *string `json:"ecrId,omitempty"`
	ConnectMs    *int    `json:"connectTimeoutMs,omitempty"`
	ReadMs       *int    `json:"readTimeoutMs,omitempty"`
	IdleByteMs   *int    `json:"idleByteTimeoutMs,omitempty"`
}

func NewOverrides() *Overrides {
	return &Overrides{}
}

// Apply merges a patch into the override set.
func (o *Overrides) Apply(p OverridePatch) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p.TerminalIP != nil {
		o.terminal.IP = *p.TerminalIP
	}
	if p.TerminalPort != nil {
		o.terminal.Port = *p.TerminalPort
	}
	if p.EcrID != nil {
		o.terminal.EcrID = *p.EcrID
	}
	if p.ConnectMs != nil {
		o.timeouts.ConnectMs = *p.ConnectMs
	}
	if p.ReadMs != nil {
		o.timeouts.ReadMs = *p.ReadMs
	}
	if p.IdleByteMs != nil {
		o.timeouts.IdleByteMs = *p.IdleByteMs
	}
}

// Effective returns a copy of the global config with the runtime
// overrides merged on top.
func (o *Overrides) Effective(global *Config) Config {
	o.mu.RLock()
	defer o.mu.RUnlock()

	effective := *global
	if o.terminal.IP != "" {
		effective.Terminal.IP = o.terminal.IP
	}
	if o.terminal.Port != 0 {
		effective.Terminal.Port = o.terminal.Port
	}
	if o.terminal.EcrID != "" {
		effective.Terminal.EcrID = o.terminal.EcrID
	}
	if o.timeouts.ConnectMs != 0 {
		effective.Timeouts.ConnectMs = o.timeouts.ConnectMs
	}
	if o.timeouts.ReadMs != 0 {
		effective.Timeouts.ReadMs = o.timeouts.ReadMs
	}
	if o.timeouts.IdleByteMs != 0 {
		effective.Timeouts.IdleByteMs = o.timeouts.IdleByteMs
	}
	return effective
}
