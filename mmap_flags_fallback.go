//go:build unix && !(linux && amd64)

package calltrace

// Only Linux has MAP_32BIT. Elsewhere we have to trust the OS to place the
// clone arena close enough to the text segment for rel32 calls.
//
// https://developer.apple.com/library/archive/documentation/System/Conceptual/ManPages_iPhoneOS/man2/mmap.2.html
// https://man.freebsd.org/cgi/man.cgi?mmap(2)
const mapFlags = 0
