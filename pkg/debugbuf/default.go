package debugbuf

// Default is the process-wide buffer cmd/dlmd wires every lockspace's
// components to log into, mirroring the kernel driver's single
// process-wide debug_buf (original_source/dlm-kernel/src/proc.c).
var Default = New(DefaultCapacity)

// Logf appends to Default.
func Logf(lockspace, format string, args ...any) {
	Default.Logf(lockspace, format, args...)
}
