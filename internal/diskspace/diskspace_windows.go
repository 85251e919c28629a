//go:build windows

package diskspace

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func check(path string) (*Info, error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, fmt.Errorf("diskspace: failed to convert path: %w", err)
	}

	var available, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &available, &total, &free); err != nil {
		return nil, fmt.Errorf("diskspace: failed to get disk stats: %w", err)
	}
	return &Info{
		Total:     total,
		Free:      free,
		Available: available,
		UsedPct:   usedPct(total, free),
	}, nil
}
