//go:build linux && (386 || arm || mips || mipsle || ppc)

package socketcanv3

import "golang.org/x/sys/unix"

// mmsghdr of recvmmsg(2), 32 bytes
type mmsghdr struct {
	Hdr unix.Msghdr
	Len uint32
}
