package calltrace

import "golang.org/x/sys/unix"

// Non-PIE Go binaries are linked below 2GiB. Keeping cloned code there too
// means relocated CALL rel32 instructions can still reach their targets.
const mapFlags = unix.MAP_32BIT
