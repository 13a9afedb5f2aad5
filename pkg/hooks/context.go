package hooks

// Verdict is the return code of a decision-point hook: zero allows the
// operation, a negative value denies it.
type Verdict int

const (
	VerdictAllow Verdict = 0
	VerdictDeny  Verdict = -13 // EACCES
)

// Permission mask bits for InodePermissionContext, mirroring the kernel's
// MAY_* constants.
const (
	MayExec  uint32 = 0x1
	MayWrite uint32 = 0x2
	MayRead  uint32 = 0x4
)

// Clone flag bits relevant to the task-create heuristic.
const (
	CloneVM     uint64 = 0x00000100
	CloneFiles  uint64 = 0x00000400
	CloneThread uint64 = 0x00010000
)

// FileOpenContext describes a file-open decision point.
type FileOpenContext struct {
	PID         uint32
	UID         uint32
	Path        string
	WriteAccess bool
}

// InodePermissionContext describes a permission check against an inode.
type InodePermissionContext struct {
	PID   uint32
	UID   uint32
	Path  string
	Inode uint64
	Mask  uint32
}

// ExecContext describes a process-exec decision point.
type ExecContext struct {
	PID  uint32
	UID  uint32
	Path string
}

// SocketConnectContext describes an outbound connection attempt. DstAddr is
// the IPv4 destination in host byte order.
type SocketConnectContext struct {
	PID     uint32
	UID     uint32
	DstAddr uint32
	DstPort uint16
}

// TaskCreateContext describes a clone/fork request.
type TaskCreateContext struct {
	PID        uint32
	UID        uint32
	CloneFlags uint64
}
