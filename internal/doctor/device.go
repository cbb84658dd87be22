package doctor

import "syscall"

type deviceMatch int

const (
	deviceUnknown deviceMatch = iota
	deviceSame
	deviceDiffers
)

// sameDevice compares the filesystems holding a and b. Unknown when either
// cannot be stat'ed.
func sameDevice(a, b string) deviceMatch {
	var sa, sb syscall.Stat_t
	if syscall.Stat(a, &sa) != nil || syscall.Stat(b, &sb) != nil {
		return deviceUnknown
	}
	if sa.Dev == sb.Dev {
		return deviceSame
	}
	return deviceDiffers
}
