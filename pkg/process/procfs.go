package process

import (
	"math"
	"time"

	"github.com/prometheus/procfs"

	"github.com/sidkik/savesync/pkg/errors"
)

// ProcFS lists processes through the /proc filesystem.
type ProcFS struct {
	fs procfs.FS
}

// NewProcFS returns a Lister for the /proc filesystem mounted at
// mountPoint. An empty mountPoint uses the default.
func NewProcFS(mountPoint string) (ProcFS, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}

	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return ProcFS{}, errors.WithContext(err, "open procfs")
	}
	return ProcFS{fs: fs}, nil
}

// Processes implements Lister.
func (p ProcFS) Processes() ([]Info, error) {
	procs, err := p.fs.AllProcs()
	if err != nil {
		return nil, err
	}

	var infos []Info
	for _, proc := range procs {
		stat, err := proc.Stat()
		if err != nil {
			// The process most likely exited while we were listing.
			continue
		}

		info := Info{Name: stat.Comm}
		if exe, err := proc.Executable(); err == nil {
			info.Executable = exe
		}

		if start, err := stat.StartTime(); err == nil {
			sec, frac := math.Modf(start)
			startedAt := time.Unix(int64(sec), int64(frac*float64(time.Second)))
			info.StartedAt = &startedAt
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Names implements Lister.
func (p ProcFS) Names() ([]string, error) {
	procs, err := p.fs.AllProcs()
	if err != nil {
		return nil, err
	}

	var names []string
	for _, proc := range procs {
		comm, err := proc.Comm()
		if err != nil {
			continue
		}
		names = append(names, comm)
	}
	return names, nil
}
