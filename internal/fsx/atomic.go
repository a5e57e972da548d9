package fsx

import (
	"sync/atomic"
	"unsafe"
)

// LoadUint64 / StoreUint64 / CompareAndSwapUint64 / AddUint64 perform atomic
// 64-bit operations directly on a mmap'd byte slice at the given offset.
//
// The file format stores all integers little-endian; these operations use
// native CPU byte order via unsafe pointer casts instead, because there is no
// atomic little-endian load/store in the standard library. This is safe only
// on little-endian, 64-bit architectures (x86_64, arm64) where native order
// already matches the on-disk format; callers must reject any other platform
// at startup (see [IsSupportedPlatform]).
func LoadUint64(b []byte, off int) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&b[off])))
}

func StoreUint64(b []byte, off int, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&b[off])), v)
}

func CompareAndSwapUint64(b []byte, off int, old, new uint64) bool {
	return atomic.CompareAndSwapUint64((*uint64)(unsafe.Pointer(&b[off])), old, new)
}

func AddUint64(b []byte, off int, delta uint64) uint64 {
	return atomic.AddUint64((*uint64)(unsafe.Pointer(&b[off])), delta)
}

// IsSupportedPlatform reports whether this process's architecture satisfies
// the little-endian, 64-bit assumption the atomic helpers above depend on.
func IsSupportedPlatform() bool {
	return is64Bit && isLittleEndian
}

const is64Bit = unsafe.Sizeof(uintptr(0)) == 8

var isLittleEndian = func() bool {
	var x uint16 = 1
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()
