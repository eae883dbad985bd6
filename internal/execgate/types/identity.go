package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FileIdentity is an opaque, stable identifier for one file on a volume.
// How it is derived from the filesystem is up to the interception hook.
type FileIdentity uint64

func (id FileIdentity) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseFileIdentity accepts decimal or 0x-prefixed hex.
func ParseFileIdentity(s string) (FileIdentity, error) {
	s = strings.TrimSpace(s)
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid file identity %q: %w", s, err)
	}
	return FileIdentity(n), nil
}

// ProcessMetadata describes the process attempting the execution.
type ProcessMetadata struct {
	PID  int32  `cbor:"pid" json:"pid"`
	PPID int32  `cbor:"ppid,omitempty" json:"ppid,omitempty"`
	UID  uint32 `cbor:"uid" json:"uid"`
	GID  uint32 `cbor:"gid" json:"gid"`
	Path string `cbor:"path,omitempty" json:"path,omitempty"`
}

// Event is one pending-authorization notification as seen by the daemon.
// Seq is assigned by the event channel at enqueue time.
type Event struct {
	Seq     uint64
	ID      FileIdentity
	Process ProcessMetadata
}

// AuthorizationRequest is what the interception hook hands to the gate.
// A zero Timeout means the gate's configured default.
type AuthorizationRequest struct {
	ID      FileIdentity
	Process ProcessMetadata
	Timeout time.Duration
}
