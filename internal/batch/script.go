package batch

import (
	"fmt"
	"strings"

	"github.com/dominiquefastus/mxproc/internal/workdir"
)

// Script renders the sbatch job script for one submission. Exclusive jobs
// take the whole node's memory and have no cpus-per-task directive.
func (s *Submitter) Script(opt Options) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "#SBATCH --job-name=%q\n", opt.JobName)

	partition := opt.Partition
	if partition == "" {
		partition = s.Slurm.Partition
	}
	if partition != "" {
		fmt.Fprintf(&b, "#SBATCH --partition=%s\n", partition)
	}
	if s.Slurm.Exclusive {
		b.WriteString("#SBATCH --exclusive\n")
		b.WriteString("#SBATCH --mem=0\n")
	} else {
		fmt.Fprintf(&b, "#SBATCH --mem=%d\n", s.Slurm.MemMB)
	}
	fmt.Fprintf(&b, "#SBATCH --nodes=%d\n", s.Slurm.Nodes)
	if !s.Slurm.Exclusive {
		fmt.Fprintf(&b, "#SBATCH --cpus-per-task=%d\n", s.Slurm.Cores)
	}
	timeLimit := opt.Time
	if timeLimit == "" {
		timeLimit = s.Slurm.Time
	}
	if timeLimit != "" {
		fmt.Fprintf(&b, "#SBATCH --time=%s\n", timeLimit)
	}
	if opt.WorkingDirectory != "" {
		fmt.Fprintf(&b, "#SBATCH --chdir=%s\n", workdir.NormalizeMountPrefix(opt.WorkingDirectory, s.Prefixes))
	}
	fmt.Fprintf(&b, "#SBATCH --output=%s_%%j.out\n", opt.JobName)
	fmt.Fprintf(&b, "#SBATCH --error=%s_%%j.err\n", opt.JobName)
	b.WriteString(opt.Command + "\n")
	return b.String()
}
