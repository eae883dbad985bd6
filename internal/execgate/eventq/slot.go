package eventq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/BrandonDHaskell/execgate/internal/execgate/types"
)

// Slot layout (little endian):
//
//	0   seq      uint64
//	8   id       uint64
//	16  pid      int32
//	20  ppid     int32
//	24  uid      uint32
//	28  gid      uint32
//	32  path_len uint16
//	34  reserved [6]byte
//	40  path     [MaxPathLen]byte
const (
	slotHeaderSize = 40
	MaxPathLen     = 1024
	SlotSize       = slotHeaderSize + MaxPathLen
)

// ErrShortSlot is returned by DecodeEvent for a buffer smaller than SlotSize.
var ErrShortSlot = errors.New("eventq: slot too short")

// Event is the record carried in one slot.
type Event = types.Event

// EncodeEvent returns ev in the fixed slot encoding. Paths longer than
// MaxPathLen are truncated.
func EncodeEvent(ev types.Event) []byte {
	buf := make([]byte, SlotSize)
	putSlot(buf, ev)
	return buf
}

// DecodeEvent parses a slot produced by EncodeEvent.
func DecodeEvent(b []byte) (types.Event, error) {
	if len(b) < SlotSize {
		return types.Event{}, fmt.Errorf("%w: %d bytes", ErrShortSlot, len(b))
	}
	return readSlot(b), nil
}

func putSlot(dst []byte, ev types.Event) {
	le := binary.LittleEndian
	le.PutUint64(dst[0:], ev.Seq)
	le.PutUint64(dst[8:], uint64(ev.ID))
	le.PutUint32(dst[16:], uint32(ev.Process.PID))
	le.PutUint32(dst[20:], uint32(ev.Process.PPID))
	le.PutUint32(dst[24:], ev.Process.UID)
	le.PutUint32(dst[28:], ev.Process.GID)

	path := truncatePath(ev.Process.Path)
	le.PutUint16(dst[32:], uint16(len(path)))
	clear(dst[34:slotHeaderSize])
	n := copy(dst[slotHeaderSize:SlotSize], path)
	clear(dst[slotHeaderSize+n : SlotSize])
}

// truncatePath cuts path to MaxPathLen bytes, backing off so a multi-byte
// character is never split. Bytes that are not UTF-8 are cut where they
// fall.
func truncatePath(path string) string {
	if len(path) <= MaxPathLen {
		return path
	}
	cut := MaxPathLen
	for i := 0; i < utf8.UTFMax-1 && cut > 0 && !utf8.RuneStart(path[cut]); i++ {
		cut--
	}
	if !utf8.RuneStart(path[cut]) {
		cut = MaxPathLen
	}
	return path[:cut]
}

func readSlot(src []byte) types.Event {
	le := binary.LittleEndian
	pathLen := int(le.Uint16(src[32:]))
	if pathLen > MaxPathLen {
		pathLen = MaxPathLen
	}
	return types.Event{
		Seq: le.Uint64(src[0:]),
		ID:  types.FileIdentity(le.Uint64(src[8:])),
		Process: types.ProcessMetadata{
			PID:  int32(le.Uint32(src[16:])),
			PPID: int32(le.Uint32(src[20:])),
			UID:  le.Uint32(src[24:]),
			GID:  le.Uint32(src[28:]),
			Path: string(src[slotHeaderSize : slotHeaderSize+pathLen]),
		},
	}
}
