package poll

import (
	"sync"

	"sensorbus/internal/model"
)

// Info is a snapshot of the polling state handed to the bus loop when a
// poll (or partial-poll fragment) is due.
type Info struct {
	Reqs       []model.PollRequest
	NextReqIdx uint32
}

// Scheduler times one device's identification polls. A poll may be split
// into fragments with a pause after each send; fragments accumulate until
// the closing store call, when they concatenate into a single sample.
type Scheduler struct {
	mu sync.Mutex

	baseIntervalUs uint64
	pollIntervalUs uint64
	reqs           []model.PollRequest

	pauseAfterSendMs uint32
	nextReqIdx       uint32
	lastPollTimeUs   uint64
	lastPollInit     bool

	partial      []byte
	partialValid bool
}

// NewScheduler creates a scheduler for a device's poll spec.
func NewScheduler(intervalUs uint64, reqs []model.PollRequest) *Scheduler {
	return &Scheduler{
		baseIntervalUs: intervalUs,
		pollIntervalUs: intervalUs,
		reqs:           reqs,
	}
}

// isTimeout is a wrap-safe elapsed check on microsecond clocks.
func isTimeout(nowUs, lastUs, intervalUs uint64) bool {
	return nowUs-lastUs >= intervalUs
}

// Pending reports whether a poll request is due at timeNowUs. Mid-poll
// (after a fragment with a pause), the effective interval is the pause
// rather than the poll interval.
func (s *Scheduler) Pending(timeNowUs uint64) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastPollInit {
		s.lastPollTimeUs = timeNowUs
		s.lastPollInit = true
	}

	isStartOfPoll := s.nextReqIdx == 0
	intervalUs := s.pollIntervalUs
	if !isStartOfPoll {
		intervalUs = uint64(s.pauseAfterSendMs) * 1000
	}
	if !isTimeout(timeNowUs, s.lastPollTimeUs, intervalUs) {
		return Info{}, false
	}

	if isStartOfPoll {
		s.partial = nil
		s.partialValid = false
	}
	s.lastPollTimeUs = timeNowUs

	if len(s.reqs) == 0 {
		return Info{}, false
	}
	return Info{Reqs: s.reqs, NextReqIdx: s.nextReqIdx}, true
}

// Store records a poll result. A non-zero nextReqIdx means more fragments
// follow: the result is accumulated and nothing is returned. nextReqIdx
// zero closes the poll: the return value is the complete sample (the
// accumulated fragments plus this result) ready for buffering.
func (s *Scheduler) Store(nextReqIdx uint32, result []byte, pauseAfterSendMs uint32) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if nextReqIdx != 0 {
		s.partial = append(s.partial, result...)
		s.partialValid = true
		s.pauseAfterSendMs = pauseAfterSendMs
		s.nextReqIdx = nextReqIdx
		return nil, false
	}

	s.nextReqIdx = 0
	if s.partialValid {
		sample := append(s.partial, result...)
		s.partial = nil
		s.partialValid = false
		return sample, true
	}
	sample := make([]byte, len(result))
	copy(sample, result)
	return sample, true
}

// ApplyRateOverride replaces the poll interval with rateMs.
func (s *Scheduler) ApplyRateOverride(rateMs uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rateMs > 0 {
		s.pollIntervalUs = uint64(rateMs) * 1000
	}
}

// ClearRateOverride restores the configured poll interval.
func (s *Scheduler) ClearRateOverride() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollIntervalUs = s.baseIntervalUs
}

// IntervalUs returns the poll interval currently in effect.
func (s *Scheduler) IntervalUs() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollIntervalUs
}

// NumReqs returns the number of request fragments in a full poll.
func (s *Scheduler) NumReqs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}
