package worker

import "runtime"

const megabyte = 1024 * 1024

// Memory types reported in heartbeats
const (
	MemHeapAlloc  = "heapAlloc"
	MemHeapSys    = "heapSys"
	MemSys        = "sys"
	MemStackInuse = "stackInuse"
)

// ReadMemory returns the process memory usage in bytes by type
func ReadMemory() map[string]uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return map[string]uint64{
		MemHeapAlloc:  ms.HeapAlloc,
		MemHeapSys:    ms.HeapSys,
		MemSys:        ms.Sys,
		MemStackInuse: ms.StackInuse,
	}
}
