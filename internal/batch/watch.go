package batch

import (
	"strconv"
	"strings"
	"sync"
)

// markerWatcher scans streamed sbatch output for the submission marker line
// and reports the job id exactly once, while the submission is still running.
type markerWatcher struct {
	mu     sync.Mutex
	buf    strings.Builder
	fired  bool
	onJob  func(id int)
}

func newMarkerWatcher(onJob func(id int)) *markerWatcher {
	return &markerWatcher{onJob: onJob}
}

func (w *markerWatcher) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	if w.fired {
		return len(p), nil
	}
	lines := strings.Split(w.buf.String(), "\n")
	// only complete lines; the last element is an unterminated tail
	for _, line := range lines[:len(lines)-1] {
		if !strings.Contains(line, submitMarker) {
			continue
		}
		fields := strings.Fields(line)
		id, err := strconv.Atoi(fields[len(fields)-1])
		if err != nil {
			continue
		}
		w.fired = true
		w.onJob(id)
		break
	}
	return len(p), nil
}

func (w *markerWatcher) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}
