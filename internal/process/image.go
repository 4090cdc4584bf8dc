package process

import (
	"errors"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// FindByImage returns the first process whose image name contains fragment
// (case-insensitive).
func FindByImage(fragment string) (*gopsproc.Process, error) {
	fragment = strings.ToLower(fragment)
	procs, err := gopsproc.Processes()
	if err != nil {
		return nil, err
	}
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(name), fragment) {
			return p, nil
		}
	}
	return nil, nil
}

// KillImage kills every process whose normalized image name equals image,
// skipping pid exclude. It returns how many were signalled.
func KillImage(image string, exclude int) (int, error) {
	image = ImageName(image)
	if image == "" {
		return 0, nil
	}
	procs, err := gopsproc.Processes()
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, p := range procs {
		if int(p.Pid) == exclude {
			continue
		}
		name, err := p.Name()
		if err != nil || ImageName(name) != image {
			continue
		}
		if err := p.Kill(); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}
