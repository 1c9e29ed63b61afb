package magnet

import "time"

// observe watches a set of ramp tasks and reports aggregate completion.
// When trackDemag is set it first polls until every task is past its
// demagnetization stage (or has exited) and calls onDemagDone, then polls
// until every task has exited and calls onDone exactly once.  The poll
// interval trades latency for simplicity; completion detection does not
// need to be tight.
func observe(tasks []*ramper, trackDemag bool, interval time.Duration, onDemagDone, onDone func()) {
	if trackDemag {
		for anyRunning(tasks, true) {
			time.Sleep(interval)
		}
		if onDemagDone != nil {
			onDemagDone()
		}
	}
	for anyRunning(tasks, false) {
		time.Sleep(interval)
	}
	onDone()
}

func anyRunning(tasks []*ramper, beforeDemag bool) bool {
	for _, t := range tasks {
		if t.Done() {
			continue
		}
		if beforeDemag && t.DemagPassed() {
			continue
		}
		return true
	}
	return false
}
