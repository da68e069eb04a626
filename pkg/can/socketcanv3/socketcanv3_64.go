//go:build linux && (amd64 || arm64 || mips64 || mips64le || ppc64 || ppc64le || riscv64 || s390x)

package socketcanv3

import "golang.org/x/sys/unix"

// mmsghdr of recvmmsg(2), 64 bytes
type mmsghdr struct {
	Hdr unix.Msghdr
	Len uint32
	_   [4]byte
}
