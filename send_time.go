package twcc

import "math"

// absSendTimeFraction is the number of fractional bits of the 24 bit 6.18
// fixed point absolute send time carried in the RTP header extension. The
// counter wraps every 64 seconds.
const absSendTimeFraction = 18

// sendTimeUnwrapper reconstructs a monotonic send time in milliseconds from
// the wrapping 24 bit absolute send time. cycles counts completed wraps and
// is -1 until the first sample arrives.
//
// The wrap detection compares against the maximum observed value and can
// misfire when packets are reordered across more than half the wrap period
// (32 seconds). Known limitation, senders do not reorder that far.
type sendTimeUnwrapper struct {
	maxObserved uint32
	cycles      int
}

func newSendTimeUnwrapper() sendTimeUnwrapper {
	return sendTimeUnwrapper{cycles: -1}
}

// unwrap converts absSendTime into milliseconds on a monotonic timeline
// starting at the first wrap period, rounded to the nearest millisecond.
func (s *sendTimeUnwrapper) unwrap(absSendTime uint32) int64 {
	if s.cycles == -1 {
		s.maxObserved = absSendTime
		s.cycles = 0
	}

	// Shift by 8 to normalize the 24 bit value to 32 bits, then interpret the
	// difference to the maximum observed as signed to get wrap-safe ordering.
	if int32((absSendTime<<8)-(s.maxObserved<<8)) >= 0 { //nolint:gosec
		if absSendTime < s.maxObserved {
			// Wrap detected.
			s.cycles++
		}
		s.maxObserved = absSendTime
	}

	seconds := float64(absSendTime)/(1<<absSendTimeFraction) + 64.0*float64(s.cycles)

	return int64(math.Round(seconds * 1000))
}
