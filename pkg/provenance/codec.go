package provenance

import (
	"fmt"
	"unsafe"
)

// SizeError reports a byte span whose length does not match the fixed record
// size. A record that fails decoding must not be dispatched.
type SizeError struct {
	Expected int
	Actual   int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("record size mismatch: got %d bytes, expected %d", e.Actual, e.Expected)
}

// DecodeRecord interprets data as one short record. The returned view aliases
// data when it is suitably aligned; otherwise the bytes are copied once.
// Unknown type tags are not a decoding error: the type space may grow, and
// routing of unknown tags is the dispatcher's concern.
func DecodeRecord(data []byte) (*Record, error) {
	if len(data) != RecordSize {
		return nil, &SizeError{Expected: RecordSize, Actual: len(data)}
	}
	if uintptr(unsafe.Pointer(&data[0]))%unsafe.Alignof(Record{}) == 0 {
		return (*Record)(unsafe.Pointer(&data[0])), nil
	}
	r := new(Record)
	copy((*[RecordSize]byte)(unsafe.Pointer(r))[:], data)
	return r, nil
}

// DecodeLongRecord interprets data as one long record, with the same aliasing
// and error contract as DecodeRecord.
func DecodeLongRecord(data []byte) (*LongRecord, error) {
	if len(data) != LongRecordSize {
		return nil, &SizeError{Expected: LongRecordSize, Actual: len(data)}
	}
	if uintptr(unsafe.Pointer(&data[0]))%unsafe.Alignof(LongRecord{}) == 0 {
		return (*LongRecord)(unsafe.Pointer(&data[0])), nil
	}
	r := new(LongRecord)
	copy((*[LongRecordSize]byte)(unsafe.Pointer(r))[:], data)
	return r, nil
}
