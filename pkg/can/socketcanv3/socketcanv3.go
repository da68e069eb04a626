//go:build linux

// Package socketcanv3 is a raw SocketCAN transport reading frames in batches
// with recvmmsg(2). Kernel side filters can restrict reception to the ids a
// session listens to.
package socketcanv3

import (
	"context"
	"fmt"
	"net"
	"sync"
	"unsafe"

	epyq "github.com/epcpower/goepyq"
	can "github.com/epcpower/goepyq/pkg/can"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	canFrameSize = 16
	// Maximum number of frames read by one syscall
	msgBatchSize = 64
)

func init() {
	can.RegisterInterface("socketcanv3", NewBus)
}

// rawFrame matches struct can_frame
type rawFrame struct {
	ID   uint32
	Len  uint8
	_    [3]uint8
	Data [8]uint8
}

func toRaw(frame epyq.Frame) rawFrame {
	raw := rawFrame{ID: frame.ID, Len: frame.DLC, Data: frame.Data}
	if frame.Extended {
		raw.ID = (frame.ID & epyq.CanEffMask) | epyq.CanEffFlag
	}
	return raw
}

func fromRaw(raw rawFrame) epyq.Frame {
	frame := epyq.Frame{DLC: raw.Len, Data: raw.Data}
	if raw.ID&epyq.CanEffFlag != 0 {
		frame.Extended = true
		frame.ID = raw.ID & epyq.CanEffMask
	} else {
		frame.ID = raw.ID & epyq.CanSffMask
	}
	return frame
}

type Bus struct {
	mu         sync.Mutex
	fd         int
	logger     *log.Entry
	rxCallback epyq.FrameListener
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewBus opens a raw CAN socket on channel, the link must already be up
// The bitrate is configured outside of the process.
func NewBus(channel string, bitrate int) (epyq.Bus, error) {
	iface, err := net.InterfaceByName(channel)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("failed to create CAN socket : %v", err)
	}
	timeout := unix.NsecToTimeval(100_000_000)
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &timeout); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set read timeout %v", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Bus{fd: fd, logger: log.WithField("service", "[SOCKETCANV3]").WithField("channel", channel)}, nil
}

// "Connect" implementation of Bus interface
func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return nil
	}
	if b.fd < 0 {
		return epyq.ErrBusClosed
	}
	var ctx context.Context
	ctx, b.cancel = context.WithCancel(context.Background())
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.processIncoming(ctx)
	}()
	return nil
}

// "Disconnect" implementation of Bus interface
// The socket is closed, a disconnected bus cannot be reconnected.
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	b.wg.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	err := unix.Close(b.fd)
	b.fd = -1
	return err
}

// "Send" implementation of Bus interface
func (b *Bus) Send(frame epyq.Frame) error {
	raw := toRaw(frame)
	data := (*(*[canFrameSize]byte)(unsafe.Pointer(&raw)))[:]
	n, err := unix.Write(b.fd, data)
	if err != nil {
		return err
	}
	if n != canFrameSize {
		return fmt.Errorf("short write of %v bytes", n)
	}
	return nil
}

func (b *Bus) processIncoming(ctx context.Context) {
	frames := make([]rawFrame, msgBatchSize)
	iovecs := make([]unix.Iovec, msgBatchSize)
	mmsgs := make([]mmsghdr, msgBatchSize)
	for i := range msgBatchSize {
		iovecs[i].Base = (*byte)(unsafe.Pointer(&frames[i]))
		iovecs[i].SetLen(canFrameSize)
		mmsgs[i].Hdr.Iov = &iovecs[i]
		mmsgs[i].Hdr.Iovlen = 1
	}

	for {
		select {
		case <-ctx.Done():
			b.logger.Debug("reception stopped")
			return
		default:
		}
		ts := unix.NsecToTimespec(10_000_000)
		n, _, errno := unix.Syscall6(
			unix.SYS_RECVMMSG,
			uintptr(b.fd),
			uintptr(unsafe.Pointer(&mmsgs[0])),
			uintptr(msgBatchSize),
			0,
			uintptr(unsafe.Pointer(&ts)),
			0,
		)
		if errno != 0 {
			if errno == unix.EAGAIN || errno == unix.EWOULDBLOCK || errno == unix.EINTR {
				continue
			}
			b.logger.Errorf("reception failed : %v", errno)
			return
		}
		b.mu.Lock()
		callback := b.rxCallback
		b.mu.Unlock()
		for i := range int(n) {
			if callback != nil {
				callback.Handle(fromRaw(frames[i]))
			}
		}
	}
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(rxCallback epyq.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rxCallback = rxCallback
	return nil
}

// SetReceiveOwn enables reception of frames sent on this socket
func (b *Bus) SetReceiveOwn(enabled bool) error {
	value := 0
	if enabled {
		value = 1
	}
	return unix.SetsockoptInt(b.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, value)
}

// Filter describes an accepted (id, extended) pair
type Filter struct {
	ID       uint32
	Extended bool
}

func kernelFilters(filters []Filter) []unix.CanFilter {
	out := make([]unix.CanFilter, 0, len(filters))
	for _, f := range filters {
		if f.Extended {
			out = append(out, unix.CanFilter{
				Id:   (f.ID & epyq.CanEffMask) | epyq.CanEffFlag,
				Mask: epyq.CanEffMask | epyq.CanEffFlag | epyq.CanRtrFlag,
			})
		} else {
			out = append(out, unix.CanFilter{
				Id:   f.ID & epyq.CanSffMask,
				Mask: epyq.CanSffMask | epyq.CanEffFlag | epyq.CanRtrFlag,
			})
		}
	}
	return out
}

// SetFilters restricts reception to the given frames, none accepts all
func (b *Bus) SetFilters(filters []Filter) error {
	kernel := kernelFilters(filters)
	if len(kernel) == 0 {
		kernel = []unix.CanFilter{{Id: 0, Mask: 0}}
	}
	b.logger.Debugf("setting %v reception filters", len(filters))
	return unix.SetsockoptCanRawFilter(b.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, kernel)
}
