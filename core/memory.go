package core

import "runtime"

// FreeMemory returns the idle heap in bytes, saturated to 32 bits
func FreeMemory() uint32 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapIdle > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(ms.HeapIdle)
}
