package session

import (
	"errors"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/apierr"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/nrf"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/probe"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/rtt"
)

// rttWindow is the amount of RAM examined per control block search step.
const rttWindow = 0x400

type rttState struct {
	started  bool
	cbAddr   *uint32
	found    bool
	cb       rtt.ControlBlock
	channels []ChannelInfo
	scanNext uint32
}

// ChannelInfo describes one RTT buffer.
type ChannelInfo struct {
	Index     int
	Direction rtt.Direction
	Name      string
	Size      uint32
}

// RTTSetControlBlockAddress restricts the control block search to addr. It
// must be called before RTTStart.
func (s *Session) RTTSetControlBlockAddress(addr uint32) error {
	const op = "RTTSetControlBlockAddress"
	if err := s.check(op, target...); err != nil {
		return err
	}
	if s.rtt.started {
		return apierr.New(apierr.InvalidOperation, op, "RTT already started")
	}
	ram, _ := nrf.Find(s.descriptors(), nrf.MemoryDataRAM)
	if !ram.Contains(addr, rtt.HeaderSize) {
		return apierr.New(apierr.InvalidParameter, op, "0x%08X is not in data RAM", addr)
	}
	s.rtt.cbAddr = &addr
	return nil
}

// RTTStart begins looking for the control block. The search itself runs
// in RTTIsControlBlockFound.
func (s *Session) RTTStart() error {
	const op = "RTTStart"
	if err := s.check(op, target...); err != nil {
		return err
	}
	if s.rtt.started {
		return apierr.New(apierr.InvalidOperation, op, "RTT already started")
	}
	s.rtt.started = true
	s.rtt.found = false
	s.rtt.channels = nil
	s.rtt.scanNext = s.core().RAMStart
	s.debugLog("rtt started")
	return nil
}

// RTTIsStarted reports whether RTTStart has been called.
func (s *Session) RTTIsStarted() (bool, error) {
	if err := s.check("RTTIsStarted", target...); err != nil {
		return false, err
	}
	return s.rtt.started, nil
}

// RTTIsControlBlockFound advances the search by one step and reports
// whether the control block has been located. It never blocks; callers
// poll it.
func (s *Session) RTTIsControlBlockFound() (bool, error) {
	const op = "RTTIsControlBlockFound"
	if err := s.check(op, target...); err != nil {
		return false, err
	}
	if !s.rtt.started {
		return false, apierr.New(apierr.InvalidOperation, op, "RTT not started")
	}
	if s.rtt.found {
		return true, nil
	}
	mem := sessionMemory{s}

	if s.rtt.cbAddr != nil {
		cb, err := rtt.ReadControlBlock(mem, *s.rtt.cbAddr)
		if err != nil {
			if errors.Is(err, rtt.ErrCorrupt) {
				return false, nil
			}
			if errors.Is(err, probe.ErrTimeout) || errors.Is(err, probe.ErrFault) {
				return false, transportErr(op, err)
			}
			return false, nil
		}
		s.rttFound(cb)
		return true, nil
	}

	ram, _ := nrf.Find(s.descriptors(), nrf.MemoryDataRAM)
	start := s.rtt.scanNext
	if start < ram.Start || start >= ram.End() {
		start = ram.Start
	}
	// overlap the next window so an ID straddling the edge is still seen
	n := min(uint32(rttWindow+rtt.IDSize-1), ram.End()-start)
	next := start + rttWindow
	if next >= ram.End() {
		next = ram.Start
	}
	s.rtt.scanNext = next

	buf, err := s.readRange(start, int(n))
	if errors.Is(err, probe.ErrTimeout) {
		// powered-off section
		return false, nil
	}
	if err != nil {
		return false, transportErr(op, err)
	}
	i := rtt.FindID(buf)
	if i < 0 {
		return false, nil
	}
	cb, err := rtt.ReadControlBlock(mem, start+uint32(i))
	if err != nil {
		return false, nil
	}
	s.rttFound(cb)
	return true, nil
}

func (s *Session) rttFound(cb rtt.ControlBlock) {
	s.rtt.found = true
	s.rtt.cb = cb
	s.rtt.channels = nil
	s.debugLog("rtt control block found", "address", cb.Addr, "up", cb.MaxUp, "down", cb.MaxDown)
}

// RTTStop ends the session and wipes the control block ID so a later
// search does not find a stale block.
func (s *Session) RTTStop() error {
	const op = "RTTStop"
	if err := s.check(op, target...); err != nil {
		return err
	}
	if !s.rtt.started {
		return nil
	}
	if s.rtt.found {
		if err := s.writeChunks(s.rtt.cb.Addr, make([]byte, rtt.IDSize)); err != nil {
			return transportErr(op, err)
		}
	}
	s.rtt = rttState{cbAddr: s.rtt.cbAddr}
	s.debugLog("rtt stopped")
	return nil
}

func (s *Session) rttReady(op string) error {
	if err := s.check(op, target...); err != nil {
		return err
	}
	if !s.rtt.started || !s.rtt.found {
		return apierr.New(apierr.InvalidOperation, op, "RTT control block not found")
	}
	return nil
}

func (s *Session) rttDescriptor(op string, d rtt.Direction, ch int) (uint32, error) {
	addr, err := s.rtt.cb.DescriptorAddr(d, ch)
	if err != nil {
		return 0, apierr.Wrap(apierr.InvalidParameter, op, err)
	}
	return addr, nil
}

// rttErr classifies ring buffer failures.
func rttErr(op string, err error) error {
	if errors.Is(err, rtt.ErrCorrupt) {
		return apierr.Wrap(apierr.InvalidOperation, op, err)
	}
	return transportErr(op, err)
}

// RTTRead returns up to limit bytes waiting in up channel ch.
func (s *Session) RTTRead(ch, limit int) ([]byte, error) {
	const op = "RTTRead"
	if err := s.rttReady(op); err != nil {
		return nil, err
	}
	if limit < 0 {
		return nil, apierr.New(apierr.InvalidParameter, op, "length %d", limit)
	}
	desc, err := s.rttDescriptor(op, rtt.Up, ch)
	if err != nil {
		return nil, err
	}
	data, err := rtt.ReadUp(sessionMemory{s}, desc, limit)
	if err != nil {
		return nil, rttErr(op, err)
	}
	return data, nil
}

// RTTWrite queues data on down channel ch and returns how much fit.
func (s *Session) RTTWrite(ch int, data []byte) (int, error) {
	const op = "RTTWrite"
	if err := s.rttReady(op); err != nil {
		return 0, err
	}
	desc, err := s.rttDescriptor(op, rtt.Down, ch)
	if err != nil {
		return 0, err
	}
	n, err := rtt.WriteDown(sessionMemory{s}, desc, data)
	if err != nil {
		return 0, rttErr(op, err)
	}
	return n, nil
}

// RTTReadChannelCount returns the number of down and up channels.
func (s *Session) RTTReadChannelCount() (down, up int, err error) {
	if err := s.rttReady("RTTReadChannelCount"); err != nil {
		return 0, 0, err
	}
	return s.rtt.cb.MaxDown, s.rtt.cb.MaxUp, nil
}

// RTTReadChannelInfo describes channel ch in direction d.
func (s *Session) RTTReadChannelInfo(ch int, d rtt.Direction) (ChannelInfo, error) {
	const op = "RTTReadChannelInfo"
	if err := s.rttReady(op); err != nil {
		return ChannelInfo{}, err
	}
	if _, err := s.rttDescriptor(op, d, ch); err != nil {
		return ChannelInfo{}, err
	}
	if s.rtt.channels == nil {
		if err := s.loadChannels(op); err != nil {
			return ChannelInfo{}, err
		}
	}
	for _, c := range s.rtt.channels {
		if c.Index == ch && c.Direction == d {
			return c, nil
		}
	}
	return ChannelInfo{}, apierr.New(apierr.InvalidParameter, op, "%s channel %d", d, ch)
}

// loadChannels reads every descriptor once; the list is cached until the
// next generation change.
func (s *Session) loadChannels(op string) error {
	mem := sessionMemory{s}
	var out []ChannelInfo
	for _, d := range []rtt.Direction{rtt.Up, rtt.Down} {
		for ch := 0; ch < s.rtt.cb.Count(d); ch++ {
			addr, err := s.rtt.cb.DescriptorAddr(d, ch)
			if err != nil {
				return apierr.Wrap(apierr.InvalidParameter, op, err)
			}
			b, err := rtt.ReadBuffer(mem, addr)
			if err != nil {
				return rttErr(op, err)
			}
			name, err := b.Name(mem)
			if err != nil {
				return rttErr(op, err)
			}
			out = append(out, ChannelInfo{Index: ch, Direction: d, Name: name, Size: b.Size})
		}
	}
	s.rtt.channels = out
	return nil
}
