//go:build windows

package process

import (
	"errors"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	return err == nil && ok
}

// forceKill terminates by image name first: the launcher exits early and
// leaves the game image running under a different name.
func forceKill(pid int, image, hint string) error {
	var errs []error
	target := ImageName(hint)
	if target == "" {
		target = image
	}
	if _, err := KillImage(target, 0); err != nil {
		errs = append(errs, err)
	}
	if target != image {
		if _, err := KillImage(image, 0); err != nil {
			errs = append(errs, err)
		}
	}
	if pid > 0 && pidAlive(pid) {
		if p, err := gopsproc.NewProcess(int32(pid)); err == nil {
			if err := p.Kill(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
