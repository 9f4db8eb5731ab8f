package relay

import "github.com/MichaelXi3/libprovenance/pkg/provenance"

// Ops is the consumer callback table. It is supplied once at Register, copied
// by value, and never written afterwards; readers share it by read-only
// reference. Every callback is optional: an unset callback for a matched type
// is a silent no-op.
//
// Callbacks are invoked sequentially from each reader but concurrently across
// readers (up to two per CPU), so implementations must be safe with respect to
// each other. Within one CPU's channel, invocation order matches kernel
// emission order.
//
// Payload views passed to callbacks alias the reader's reusable buffer and
// are only valid for the duration of the call; copy anything retained.
type Ops struct {
	// Init runs once per reader before its first dispatch.
	Init func()

	// ReceivedRecord and ReceivedLongRecord observe every record of the
	// corresponding union before filtering and regardless of query mode.
	ReceivedRecord     func(*provenance.Record)
	ReceivedLongRecord func(*provenance.LongRecord)

	// IsQuery suppresses all logging callbacks; only the raw hooks above
	// fire. Used when the engine answers queries instead of building a trace.
	IsQuery bool

	// Filter drops a record when it returns true. Filtered records still
	// reach the raw hooks.
	Filter func(provenance.Entry) bool

	// LogError receives every non-fatal per-record failure (unknown types,
	// size mismatches, transient I/O errors).
	LogError func(error)

	// Node callbacks. All eight inode subkinds share Inode.
	Proc   func(*provenance.ProcInfo)
	Task   func(*provenance.TaskInfo)
	Inode  func(*provenance.InodeInfo)
	Msg    func(*provenance.MsgMsgInfo)
	Shm    func(*provenance.ShmInfo)
	Packet func(*provenance.PacketInfo)
	Iattr  func(*provenance.IattrInfo)

	// Relation callbacks, one per family.
	Used       func(*provenance.RelationInfo)
	Informed   func(*provenance.RelationInfo)
	Generated  func(*provenance.RelationInfo)
	Derived    func(*provenance.RelationInfo)
	Influenced func(*provenance.RelationInfo)
	Associated func(*provenance.RelationInfo)

	// Long record callbacks. Arg is shared by argument and environment
	// records; the three disclosed kinds keep separate callbacks.
	Str               func(*provenance.StrInfo)
	Path              func(*provenance.PathInfo)
	Address           func(*provenance.AddressInfo)
	Xattr             func(*provenance.XattrInfo)
	EntityDisclosed   func(*provenance.DiscNodeInfo)
	ActivityDisclosed func(*provenance.DiscNodeInfo)
	AgentDisclosed    func(*provenance.DiscNodeInfo)
	PacketContent     func(*provenance.PckCntInfo)
	Arg               func(*provenance.ArgInfo)
	Machine           func(*provenance.MachineInfo)
}
