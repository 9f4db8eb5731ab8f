// Package provenance defines the wire format of the kernel provenance relay.
//
// The kernel emits two fixed-size record unions on separate per-CPU channels:
// a short record for nodes and relations, and a long record for auxiliary
// content (strings, paths, addresses) referenced from short records by
// identifier. Layouts mirror the kernel structs field for field; every struct
// here is little-endian and explicitly padded so its in-memory layout matches
// the bytes coming off the channel.
package provenance

import (
	"encoding/binary"
	"unsafe"
)

// Wire sizes. These are load-bearing: the channel carries no framing beyond
// the fixed record size, so readers slice their buffers at these boundaries.
const (
	IdentifierSize = 32
	RecordSize     = 128
	LongRecordSize = 1152

	// PathMax bounds path, string, argument and disclosed-node content
	// carried in long records.
	PathMax = 1024

	// AddrMax bounds raw sockaddr bytes in address records.
	AddrMax = 128

	// XattrNameMax and XattrValueMax bound extended attribute records.
	XattrNameMax  = 128
	XattrValueMax = 256

	// UtsLen matches the kernel's __NEW_UTS_LEN + 1.
	UtsLen = 65
)

// The 64-bit type tag is partitioned into two orthogonal axes: the category
// of the record in the high bits, and the specific kind in the low bits.
// Relations additionally carry a family bit used for routing.
const (
	CategoryRelation uint64 = 1 << 63
	CategoryActivity uint64 = 1 << 62
	CategoryAgent    uint64 = 1 << 61
	CategoryEntity   uint64 = 1 << 60
)

// Relation families. A relation tag sets exactly one of these; the dispatcher
// tests them in declaration order.
const (
	FamilyUsed       uint64 = 1 << 48
	FamilyInformed   uint64 = 1 << 49
	FamilyGenerated  uint64 = 1 << 50
	FamilyDerived    uint64 = 1 << 51
	FamilyInfluenced uint64 = 1 << 52
	FamilyAssociated uint64 = 1 << 53
)

// Short record node kinds.
const (
	EntProc           = CategoryEntity | 0x01
	ActTask           = CategoryActivity | 0x02
	EntInodeUnknown   = CategoryEntity | 0x03
	EntInodeLink      = CategoryEntity | 0x04
	EntInodeFile      = CategoryEntity | 0x05
	EntInodeDirectory = CategoryEntity | 0x06
	EntInodeChar      = CategoryEntity | 0x07
	EntInodeBlock     = CategoryEntity | 0x08
	EntInodePipe      = CategoryEntity | 0x09
	EntInodeSocket    = CategoryEntity | 0x0a
	EntMsg            = CategoryEntity | 0x0b
	EntShm            = CategoryEntity | 0x0c
	EntPacket         = CategoryEntity | 0x0d
	EntIattr          = CategoryEntity | 0x0e
)

// Long record kinds.
const (
	EntStr           = CategoryEntity | 0x20
	EntPath          = CategoryEntity | 0x21
	EntAddr          = CategoryEntity | 0x22
	EntXattr         = CategoryEntity | 0x23
	EntDisc          = CategoryEntity | 0x24
	ActDisc          = CategoryActivity | 0x25
	AgtDisc          = CategoryAgent | 0x26
	EntPacketContent = CategoryEntity | 0x27
	EntArg           = CategoryEntity | 0x28
	EntEnv           = CategoryEntity | 0x29
	AgtMachine       = CategoryAgent | 0x2a
)

// Relation kinds.
const (
	RelRead    = CategoryRelation | FamilyUsed | 0x101
	RelSearch  = CategoryRelation | FamilyUsed | 0x102
	RelReceive = CategoryRelation | FamilyUsed | 0x103
	RelExec    = CategoryRelation | FamilyUsed | 0x104

	RelClone    = CategoryRelation | FamilyInformed | 0x201
	RelFork     = CategoryRelation | FamilyInformed | 0x202
	RelSignal   = CategoryRelation | FamilyInformed | 0x203

	RelWrite  = CategoryRelation | FamilyGenerated | 0x301
	RelCreate = CategoryRelation | FamilyGenerated | 0x302
	RelSend   = CategoryRelation | FamilyGenerated | 0x303

	RelVersion = CategoryRelation | FamilyDerived | 0x401
	RelNamed   = CategoryRelation | FamilyDerived | 0x402

	RelTerminate = CategoryRelation | FamilyInfluenced | 0x501

	RelRanOn = CategoryRelation | FamilyAssociated | 0x601
)

// Tag axis predicates.

func IsRelation(tag uint64) bool   { return tag&CategoryRelation != 0 }
func IsUsed(tag uint64) bool       { return tag&FamilyUsed != 0 }
func IsInformed(tag uint64) bool   { return tag&FamilyInformed != 0 }
func IsGenerated(tag uint64) bool  { return tag&FamilyGenerated != 0 }
func IsDerived(tag uint64) bool    { return tag&FamilyDerived != 0 }
func IsInfluenced(tag uint64) bool { return tag&FamilyInfluenced != 0 }
func IsAssociated(tag uint64) bool { return tag&FamilyAssociated != 0 }

// Identifier is the opaque fixed-size key naming a provenance entity within a
// run. It is comparable and used as a join key across records: the first
// 8 bytes hold the type tag, the rest object identity. Identifiers are never
// reused within a run.
type Identifier [IdentifierSize]byte

func (id *Identifier) TypeTag() uint64   { return binary.LittleEndian.Uint64(id[0:8]) }
func (id *Identifier) ObjectID() uint64  { return binary.LittleEndian.Uint64(id[8:16]) }
func (id *Identifier) BootID() uint32    { return binary.LittleEndian.Uint32(id[16:20]) }
func (id *Identifier) MachineID() uint32 { return binary.LittleEndian.Uint32(id[20:24]) }
func (id *Identifier) Version() uint32   { return binary.LittleEndian.Uint32(id[24:28]) }

func (id *Identifier) SetTypeTag(tag uint64)  { binary.LittleEndian.PutUint64(id[0:8], tag) }
func (id *Identifier) SetObjectID(oid uint64) { binary.LittleEndian.PutUint64(id[8:16], oid) }
func (id *Identifier) SetVersion(v uint32)    { binary.LittleEndian.PutUint32(id[24:28], v) }

// MsgHeader is the common prefix of every record payload: the record's own
// identifier (whose first 8 bytes are the type tag) plus emission metadata.
type MsgHeader struct {
	ID      Identifier
	Jiffies uint64
	Epoch   uint32
	_       uint32
}

const msgHeaderSize = int(unsafe.Sizeof(MsgHeader{}))

// Entry is the common view of both record unions, enough for raw hooks and
// filter predicates that do not care which union they are looking at.
type Entry interface {
	TypeTag() uint64
	ID() Identifier
}

// Record is the short fixed-size union describing one provenance node or
// relation. Typed views reinterpret the same memory, C-union style; callers
// must check the type tag before picking a view.
type Record struct {
	Header MsgHeader
	_      [RecordSize - msgHeaderSize]byte
}

func (r *Record) TypeTag() uint64 { return r.Header.ID.TypeTag() }
func (r *Record) ID() Identifier  { return r.Header.ID }

func (r *Record) Relation() *RelationInfo { return (*RelationInfo)(unsafe.Pointer(r)) }
func (r *Record) Proc() *ProcInfo         { return (*ProcInfo)(unsafe.Pointer(r)) }
func (r *Record) Task() *TaskInfo         { return (*TaskInfo)(unsafe.Pointer(r)) }
func (r *Record) Inode() *InodeInfo       { return (*InodeInfo)(unsafe.Pointer(r)) }
func (r *Record) Msg() *MsgMsgInfo        { return (*MsgMsgInfo)(unsafe.Pointer(r)) }
func (r *Record) Shm() *ShmInfo           { return (*ShmInfo)(unsafe.Pointer(r)) }
func (r *Record) Packet() *PacketInfo     { return (*PacketInfo)(unsafe.Pointer(r)) }
func (r *Record) Iattr() *IattrInfo       { return (*IattrInfo)(unsafe.Pointer(r)) }

// Bytes returns a copy of the record's wire representation.
func (r *Record) Bytes() []byte {
	buf := make([]byte, RecordSize)
	copy(buf, (*[RecordSize]byte)(unsafe.Pointer(r))[:])
	return buf
}

// LongRecord is the fixed-size union for variable and auxiliary content that
// does not fit in a short record.
type LongRecord struct {
	Header MsgHeader
	_      [LongRecordSize - msgHeaderSize]byte
}

func (r *LongRecord) TypeTag() uint64 { return r.Header.ID.TypeTag() }
func (r *LongRecord) ID() Identifier  { return r.Header.ID }

func (r *LongRecord) Str() *StrInfo              { return (*StrInfo)(unsafe.Pointer(r)) }
func (r *LongRecord) Path() *PathInfo            { return (*PathInfo)(unsafe.Pointer(r)) }
func (r *LongRecord) Address() *AddressInfo      { return (*AddressInfo)(unsafe.Pointer(r)) }
func (r *LongRecord) Xattr() *XattrInfo          { return (*XattrInfo)(unsafe.Pointer(r)) }
func (r *LongRecord) DiscNode() *DiscNodeInfo    { return (*DiscNodeInfo)(unsafe.Pointer(r)) }
func (r *LongRecord) PacketContent() *PckCntInfo { return (*PckCntInfo)(unsafe.Pointer(r)) }
func (r *LongRecord) Arg() *ArgInfo              { return (*ArgInfo)(unsafe.Pointer(r)) }
func (r *LongRecord) Machine() *MachineInfo      { return (*MachineInfo)(unsafe.Pointer(r)) }

// Bytes returns a copy of the record's wire representation.
func (r *LongRecord) Bytes() []byte {
	buf := make([]byte, LongRecordSize)
	copy(buf, (*[LongRecordSize]byte)(unsafe.Pointer(r))[:])
	return buf
}

// RelationInfo is an edge connecting two identifiers with relation metadata.
type RelationInfo struct {
	Header  MsgHeader
	From    Identifier
	To      Identifier
	Allowed uint8
	_       [7]uint8
	Flags   uint64
}

// ProcInfo describes a process entity (credentials and namespaces).
type ProcInfo struct {
	Header   MsgHeader
	UtsNS    uint32
	IpcNS    uint32
	MntNS    uint32
	PidNS    uint32
	NetNS    uint32
	CgroupNS uint32
	UID      uint32
	GID      uint32
	TGID     uint32
	PID      uint32
	SecID    uint32
	_        uint32
}

// TaskInfo describes a task activity (scheduling and accounting state).
type TaskInfo struct {
	Header MsgHeader
	PID    uint32
	VPID   uint32
	UTime  uint64
	STime  uint64
	VM     uint64
	RSS    uint64
}

// InodeInfo describes any of the eight inode-like entity subkinds.
type InodeInfo struct {
	Header MsgHeader
	UID    uint32
	GID    uint32
	Mode   uint16
	_      [2]uint8
	SecID  uint32
	Ino    uint64
	UUID   [16]byte
}

// MsgMsgInfo describes a System V message queue entity.
type MsgMsgInfo struct {
	Header MsgHeader
	Type   uint64
}

// ShmInfo describes a shared memory segment entity.
type ShmInfo struct {
	Header MsgHeader
	Mode   uint16
	_      [6]uint8
}

// PacketInfo describes a network packet entity.
type PacketInfo struct {
	Header   MsgHeader
	Seq      uint32
	SrcIP    uint32
	DstIP    uint32
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
	_        [3]uint8
	Length   uint32
}

// IattrInfo describes an inode attribute change.
type IattrInfo struct {
	Header MsgHeader
	Valid  uint32
	Mode   uint16
	_      [2]uint8
	UID    uint32
	GID    uint32
	Size   int64
	ATime  uint64
	MTime  uint64
	CTime  uint64
}

// StrInfo carries opaque string content.
type StrInfo struct {
	Header MsgHeader
	Str    [PathMax]byte
	Length uint64
}

// Value returns the string content.
func (s *StrInfo) Value() string { return fixedString(s.Str[:], s.Length) }

// PathInfo names the entity in its header identifier: path records are emitted
// on the long channel at path resolution time and are how short records'
// identifiers become resolvable to a human-readable path.
type PathInfo struct {
	Header MsgHeader
	Name   [PathMax]byte
	Length uint64
}

// Path returns the file path carried by the record.
func (p *PathInfo) Path() string { return fixedString(p.Name[:], p.Length) }

// AddressInfo carries raw sockaddr bytes.
type AddressInfo struct {
	Header MsgHeader
	Length uint64
	Addr   [AddrMax]byte
}

// XattrInfo carries one extended attribute name/value pair.
type XattrInfo struct {
	Header MsgHeader
	Name   [XattrNameMax]byte
	Value  [XattrValueMax]byte
	Size   uint64
	Flags  uint32
	_      uint32
}

// AttrName returns the extended attribute name.
func (x *XattrInfo) AttrName() string { return fixedString(x.Name[:], uint64(XattrNameMax)) }

// DiscNodeInfo is a disclosed placeholder node (entity, activity or agent,
// per the tag) whose content is supplied by userspace.
type DiscNodeInfo struct {
	Header  MsgHeader
	Length  uint64
	Content [PathMax]byte
}

// PckCntInfo carries captured packet content.
type PckCntInfo struct {
	Header  MsgHeader
	Length  uint64
	Content [PathMax]byte
}

// ArgInfo carries one argument or environment string (per the tag).
type ArgInfo struct {
	Header    MsgHeader
	Value     [PathMax]byte
	Length    uint64
	Truncated uint8
	_         [7]uint8
}

// Arg returns the argument or environment string.
func (a *ArgInfo) Arg() string { return fixedString(a.Value[:], a.Length) }

// MachineInfo identifies the machine the trace was captured on.
type MachineInfo struct {
	Header     MsgHeader
	CamEnabled uint8
	Major      uint8
	Minor      uint8
	Patch      uint8
	_          [4]uint8
	Commit     [41]byte
	_          [7]uint8
	Sysname    [UtsLen]byte
	Nodename   [UtsLen]byte
	Release    [UtsLen]byte
	Version    [UtsLen]byte
	Machine    [UtsLen]byte
	_          [3]uint8
}

// fixedString interprets a fixed-size byte array as a string bounded by
// length, stopping early at a NUL terminator.
func fixedString(b []byte, length uint64) string {
	n := int(length)
	if n > len(b) || n == 0 {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if b[i] == 0 {
			return string(b[:i])
		}
	}
	return string(b[:n])
}
