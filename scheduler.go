package twcc

import (
	"math"
	"time"
)

// feedbackReportSize estimates the on-wire cost of one feedback message in
// bytes: IPv4 (20) + UDP (8) + SRTP (10) + an average report (30), where the
// average report is the mean of a report at the minimum and at the maximum
// send interval.
const feedbackReportSize = 20 + 8 + 10 + 30

// feedbackScheduler computes the adaptive interval between periodic feedback
// messages and tracks when the last periodic pass ran. It is owned by the
// proxy and accessed under the proxy's lock.
type feedbackScheduler struct {
	minIntervalMS     int64
	maxIntervalMS     int64
	bandwidthFraction float64

	sendIntervalMS    int64
	lastProcessTimeMS int64
	enabled           bool
}

func newFeedbackScheduler(defaultInterval, minInterval, maxInterval time.Duration, bandwidthFraction float64) feedbackScheduler {
	return feedbackScheduler{
		minIntervalMS:     minInterval.Milliseconds(),
		maxIntervalMS:     maxInterval.Milliseconds(),
		bandwidthFraction: bandwidthFraction,
		sendIntervalMS:    defaultInterval.Milliseconds(),
		lastProcessTimeMS: -1,
		enabled:           true,
	}
}

// updateInterval recomputes the send interval so that feedback consumes the
// configured fraction of bitrate, bounded to [minInterval, maxInterval] via
// the rate clamp.
func (s *feedbackScheduler) updateInterval(bitrate int) {
	reportRateBits := feedbackReportSize * 8.0 * 1000.0
	minRate := reportRateBits / float64(s.maxIntervalMS)
	maxRate := reportRateBits / float64(s.minIntervalMS)

	rate := s.bandwidthFraction * float64(bitrate)
	if rate < minRate {
		rate = minRate
	}
	if rate > maxRate {
		rate = maxRate
	}
	s.sendIntervalMS = int64(math.Round(reportRateBits / rate))
}

// timeUntilNext returns how long the caller should wait before the next call
// to tick. It returns zero when a periodic pass is already due and an
// effectively unbounded duration while periodic feedback is disabled.
func (s *feedbackScheduler) timeUntilNext(nowMS int64) time.Duration {
	if !s.enabled {
		// Wait a day until the next process.
		return 24 * time.Hour
	}
	if s.lastProcessTimeMS != -1 && nowMS-s.lastProcessTimeMS < s.sendIntervalMS {
		return time.Duration(s.lastProcessTimeMS+s.sendIntervalMS-nowMS) * time.Millisecond
	}

	return 0
}

// tick records a periodic pass at nowMS. It returns false while periodic
// feedback is disabled.
func (s *feedbackScheduler) tick(nowMS int64) bool {
	if !s.enabled {
		return false
	}
	s.lastProcessTimeMS = nowMS

	return true
}
