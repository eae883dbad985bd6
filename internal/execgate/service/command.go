package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/BrandonDHaskell/execgate/internal/execgate/types"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrBadArguments   = errors.New("bad command arguments")
)

// Selector is the integer code a daemon uses to name a call on transports
// that only carry scalars.
type Selector uint32

const (
	// SelectorOpen opens the session; it is served by Connect, not Dispatch.
	SelectorOpen Selector = iota
	SelectorAllowBinary
	SelectorDenyBinary
	SelectorClearCache
	SelectorCacheCount
	SelectorReadEvent
)

func (s Selector) String() string {
	switch s {
	case SelectorOpen:
		return "open"
	case SelectorAllowBinary:
		return "allow_binary"
	case SelectorDenyBinary:
		return "deny_binary"
	case SelectorClearCache:
		return "clear_cache"
	case SelectorCacheCount:
		return "cache_count"
	case SelectorReadEvent:
		return "read_event"
	default:
		return fmt.Sprintf("selector(%d)", uint32(s))
	}
}

// Command is one daemon call. The set is closed: AllowBinary, DenyBinary,
// ClearCache, CacheCount and ReadEvent.
type Command interface {
	Selector() Selector
}

type (
	AllowBinary struct{ ID types.FileIdentity }
	DenyBinary  struct{ ID types.FileIdentity }
	ClearCache  struct{}
	CacheCount  struct{}
	ReadEvent   struct{}
)

func (AllowBinary) Selector() Selector { return SelectorAllowBinary }
func (DenyBinary) Selector() Selector  { return SelectorDenyBinary }
func (ClearCache) Selector() Selector  { return SelectorClearCache }
func (CacheCount) Selector() Selector  { return SelectorCacheCount }
func (ReadEvent) Selector() Selector   { return SelectorReadEvent }

// Result carries the output of a dispatched command. Count is set for
// CacheCount, Event for ReadEvent.
type Result struct {
	Count int
	Event *types.Event
}

// DecodeCommand builds a Command from a selector and its scalar arguments,
// rejecting any argument count the command does not take.
func DecodeCommand(sel Selector, args []uint64) (Command, error) {
	want := 0
	if sel == SelectorAllowBinary || sel == SelectorDenyBinary {
		want = 1
	}

	switch sel {
	case SelectorAllowBinary, SelectorDenyBinary, SelectorClearCache, SelectorCacheCount, SelectorReadEvent:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, sel)
	}
	if len(args) != want {
		return nil, fmt.Errorf("%w: %s takes %d scalar(s), got %d", ErrBadArguments, sel, want, len(args))
	}

	switch sel {
	case SelectorAllowBinary:
		return AllowBinary{ID: types.FileIdentity(args[0])}, nil
	case SelectorDenyBinary:
		return DenyBinary{ID: types.FileIdentity(args[0])}, nil
	case SelectorClearCache:
		return ClearCache{}, nil
	case SelectorCacheCount:
		return CacheCount{}, nil
	default:
		return ReadEvent{}, nil
	}
}

// Dispatch runs cmd against the session named by h.
func (b *Bridge) Dispatch(ctx context.Context, h SessionHandle, cmd Command) (Result, error) {
	switch c := cmd.(type) {
	case AllowBinary:
		return Result{}, b.ReportAllow(h, c.ID)
	case DenyBinary:
		return Result{}, b.ReportDeny(h, c.ID)
	case ClearCache:
		return Result{}, b.ClearCache(h)
	case CacheCount:
		n, err := b.CacheCount(h)
		if err != nil {
			return Result{}, err
		}
		return Result{Count: n}, nil
	case ReadEvent:
		ev, err := b.ReadEvent(ctx, h)
		if err != nil {
			return Result{}, err
		}
		return Result{Event: &ev}, nil
	default:
		return Result{}, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}
