package slotstats

// ExecContext is the transient accounting state of one in-flight command.
// The execution layer owns it and fills it in as the command moves through
// parsing, execution and reply framing.
type ExecContext struct {
	// Slot is the slot the command targets, or NoSlot.
	Slot int
	// BytesIn is the wire size of the command as it was parsed.
	BytesIn uint64
	// BytesOut is the wire size of the replies framed for the command.
	BytesOut uint64
	// Blocked is true while the client waits on a blocking command.
	Blocked bool
	// Nesting counts container commands (EXEC, EVAL) on the call stack.
	Nesting int
	// CmdBlocking is true when the active command may block the client.
	CmdBlocking bool
	// InTransaction is true while EXEC runs its queued commands.
	InTransaction bool
	// IsExec is true when the command being accounted is EXEC itself.
	IsExec bool
}

// NewExecContext returns a context with no slot resolved.
func NewExecContext() *ExecContext {
	return &ExecContext{Slot: NoSlot}
}

// ResetCommand clears the per-command fields before the next command.
// Blocked and the nesting state belong to the client and are left alone.
func (ec *ExecContext) ResetCommand() {
	ec.Slot = NoSlot
	ec.BytesIn = 0
	ec.BytesOut = 0
	ec.CmdBlocking = false
	ec.IsExec = false
}

func canAddNetworkBytesOut(cfg Config, slot int) bool {
	return cfg.Enabled && cfg.ClusterEnabled && slot != NoSlot
}

// CanAddNetworkBytesOut reports whether egress may be attributed to the
// context's slot.
func CanAddNetworkBytesOut(cfg Config, ec *ExecContext) bool {
	return canAddNetworkBytesOut(cfg, ec.Slot)
}

// CanAddCPUDuration reports whether the command's CPU time may be
// attributed. A nested command is skipped because EXEC and EVAL already
// measure everything they run, unless it is nested only because a blocked
// command was resumed.
func CanAddCPUDuration(cfg Config, ec *ExecContext) bool {
	return cfg.Enabled &&
		cfg.ClusterEnabled &&
		ec.Slot != NoSlot &&
		(ec.Nesting == 0 || ec.CmdBlocking)
}

// CanAddNetworkBytesIn reports whether the command's ingress may be
// attributed. Blocked clients are counted once, when they unblock, and
// commands nested in EXEC are covered by EXEC's own ingress.
func CanAddNetworkBytesIn(cfg Config, ec *ExecContext) bool {
	return cfg.ClusterEnabled &&
		cfg.Enabled &&
		ec.Slot != NoSlot &&
		!ec.Blocked &&
		!ec.InTransaction
}
