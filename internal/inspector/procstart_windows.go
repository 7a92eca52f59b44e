//go:build windows

package inspector

// procStartUnix is not implemented natively on Windows; gopsutil's
// CreateTime is used instead.
func procStartUnix(int) int64 { return 0 }
