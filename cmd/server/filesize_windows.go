//go:build windows

package main

import (
	"os"
	"syscall"
	"unsafe"
)

var (
	kernel32          = syscall.NewLazyDLL("kernel32.dll")
	getCompressedSize = kernel32.NewProc("GetCompressedFileSizeW")
)

// getActualFileSize reports a file's allocated disk usage rather than its
// logical size, via GetCompressedFileSizeW, so sparse badger value-log and
// binlog segment files don't inflate the reported total. If the API call
// itself fails (INVALID_FILE_SIZE = 0xFFFFFFFF low word together with a
// nonzero error, or
// the path can't be converted to UTF-16), this falls back to the same
// block-rounding roundToBlock applies on the non-Windows build, rather than
// returning a raw logical size that would disagree with the Unix side's
// block-granularity accounting for no good reason.
func getActualFileSize(path string, info os.FileInfo) (int64, error) {
	pathPtr, err := syscall.UTF16PtrFromString(path)
	if err != nil {
		return roundToBlock(info.Size()), nil
	}

	var high uint32
	low, _, callErr := getCompressedSize.Call(
		uintptr(unsafe.Pointer(pathPtr)),
		uintptr(unsafe.Pointer(&high)),
	)

	if low == 0xFFFFFFFF {
		if callErr != nil && callErr != syscall.Errno(0) {
			return roundToBlock(info.Size()), nil
		}
	}

	return int64(high)<<32 + int64(low), nil
}
