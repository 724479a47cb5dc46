// SPDX-FileCopyrightText: 2026 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package twcc

const (
	// maxNumberOfPackets is the maximum span of sequence numbers the map may
	// hold. Feedback older than what fits in 15 bits cannot be requested.
	maxNumberOfPackets = 1 << 15

	// minCapacity is the smallest buffer allocated for the map.
	minCapacity = 128

	// notReceived marks a slot for a sequence number without a recorded
	// arrival. Valid arrival times are never negative.
	notReceived int64 = -1
)

// packetArrivalTimeMap stores the arrival time of packets indexed by their
// unwrapped transport-wide sequence number. Only the range
// [BeginSequenceNumber, EndSequenceNumber) is accessible; the span of the
// range never exceeds maxNumberOfPackets. Storage is a circular buffer with a
// power of two capacity, so a sequence number maps to the slot seq & (cap-1).
// The zero value is an empty map.
type packetArrivalTimeMap struct {
	arrivalTimes        []int64
	beginSequenceNumber int64
	endSequenceNumber   int64
}

// BeginSequenceNumber returns the first sequence number covered by the map.
func (m *packetArrivalTimeMap) BeginSequenceNumber() int64 {
	return m.beginSequenceNumber
}

// EndSequenceNumber returns one past the last sequence number covered by the
// map.
func (m *packetArrivalTimeMap) EndSequenceNumber() int64 {
	return m.endSequenceNumber
}

// AddPacket records the arrival of sequenceNumber at arrivalTime. Entries
// older than maxNumberOfPackets relative to the new end of the map are
// dropped. Re-adding a sequence number overwrites its slot; callers that need
// first-arrival-wins semantics check HasReceived first.
func (m *packetArrivalTimeMap) AddPacket(sequenceNumber, arrivalTime int64) {
	if m.arrivalTimes == nil {
		// First packet.
		m.reallocate(minCapacity)
		m.beginSequenceNumber = sequenceNumber
		m.endSequenceNumber = sequenceNumber + 1
		m.arrivalTimes[m.index(sequenceNumber)] = arrivalTime

		return
	}

	if sequenceNumber >= m.beginSequenceNumber && sequenceNumber < m.endSequenceNumber {
		// The packet is within the current span.
		m.arrivalTimes[m.index(sequenceNumber)] = arrivalTime

		return
	}

	if sequenceNumber < m.beginSequenceNumber {
		// The packet goes before the current span. Expand only if the span
		// stays bounded; otherwise expanding would evict newer packets.
		newSize := m.endSequenceNumber - sequenceNumber
		if newSize > maxNumberOfPackets {
			return
		}
		m.adjustToSize(newSize)
		m.arrivalTimes[m.index(sequenceNumber)] = arrivalTime
		m.setNotReceived(sequenceNumber+1, m.beginSequenceNumber)
		m.beginSequenceNumber = sequenceNumber

		return
	}

	// The packet goes after the current span.
	newEndSequenceNumber := sequenceNumber + 1
	if newEndSequenceNumber-m.beginSequenceNumber > maxNumberOfPackets {
		newBeginSequenceNumber := newEndSequenceNumber - maxNumberOfPackets
		if newBeginSequenceNumber >= m.endSequenceNumber {
			// The jump is so large that all stored packets fall out of the
			// span.
			m.beginSequenceNumber = sequenceNumber
			m.endSequenceNumber = sequenceNumber
			m.adjustToSize(1)
			m.endSequenceNumber = newEndSequenceNumber
			m.arrivalTimes[m.index(sequenceNumber)] = arrivalTime

			return
		}
		m.beginSequenceNumber = newBeginSequenceNumber
	}
	m.adjustToSize(newEndSequenceNumber - m.beginSequenceNumber)
	m.setNotReceived(m.endSequenceNumber, sequenceNumber)
	m.endSequenceNumber = newEndSequenceNumber
	m.arrivalTimes[m.index(sequenceNumber)] = arrivalTime
}

// HasReceived reports whether an arrival has been recorded for sequenceNumber.
func (m *packetArrivalTimeMap) HasReceived(sequenceNumber int64) bool {
	return m.get(sequenceNumber) >= 0
}

// get returns the recorded arrival time of sequenceNumber, or a negative
// value if none was recorded.
func (m *packetArrivalTimeMap) get(sequenceNumber int64) int64 {
	if sequenceNumber < m.beginSequenceNumber || sequenceNumber >= m.endSequenceNumber {
		return notReceived
	}

	return m.arrivalTimes[m.index(sequenceNumber)]
}

// FindNextAtOrAfter returns the sequence number and arrival time of the first
// received packet at or after sequenceNumber, or ok == false if there is none.
func (m *packetArrivalTimeMap) FindNextAtOrAfter(sequenceNumber int64) (seq, arrivalTime int64, ok bool) {
	for seq := m.Clamp(sequenceNumber); seq < m.endSequenceNumber; seq++ {
		if t := m.get(seq); t >= 0 {
			return seq, t, true
		}
	}

	return 0, 0, false
}

// Clamp returns sequenceNumber bounded to [BeginSequenceNumber,
// EndSequenceNumber].
func (m *packetArrivalTimeMap) Clamp(sequenceNumber int64) int64 {
	if sequenceNumber < m.beginSequenceNumber {
		return m.beginSequenceNumber
	}
	if sequenceNumber > m.endSequenceNumber {
		return m.endSequenceNumber
	}

	return sequenceNumber
}

// EraseTo erases all entries with a sequence number below sequenceNumber.
func (m *packetArrivalTimeMap) EraseTo(sequenceNumber int64) {
	if sequenceNumber < m.beginSequenceNumber {
		return
	}
	if sequenceNumber >= m.endSequenceNumber {
		// Everything is erased. The map keeps its position so that a later
		// packet with a higher sequence number extends from here.
		m.beginSequenceNumber = m.endSequenceNumber

		return
	}
	m.beginSequenceNumber = sequenceNumber
	m.adjustToSize(m.endSequenceNumber - m.beginSequenceNumber)
}

// RemoveOldPackets erases entries from the beginning of the map that are both
// older than sequenceNumber and arrived no later than arrivalTimeLimit.
func (m *packetArrivalTimeMap) RemoveOldPackets(sequenceNumber, arrivalTimeLimit int64) {
	checkTo := sequenceNumber
	if m.endSequenceNumber < checkTo {
		checkTo = m.endSequenceNumber
	}
	for m.beginSequenceNumber < checkTo && m.get(m.beginSequenceNumber) <= arrivalTimeLimit {
		m.beginSequenceNumber++
	}
	m.adjustToSize(m.endSequenceNumber - m.beginSequenceNumber)
}

func (m *packetArrivalTimeMap) setNotReceived(from, to int64) {
	for seq := from; seq < to; seq++ {
		m.arrivalTimes[m.index(seq)] = notReceived
	}
}

// adjustToSize grows or shrinks the buffer so that newSize entries fit and no
// more than three quarters of the buffer is unused.
func (m *packetArrivalTimeMap) adjustToSize(newSize int64) {
	if capacity := int64(m.capacity()); newSize > capacity {
		for capacity < newSize {
			capacity *= 2
		}
		m.reallocate(capacity)
	}
	shrinkThreshold := int64(minCapacity)
	if 4*newSize > shrinkThreshold {
		shrinkThreshold = 4 * newSize
	}
	if capacity := int64(m.capacity()); capacity > shrinkThreshold {
		for capacity > shrinkThreshold {
			capacity /= 2
		}
		m.reallocate(capacity)
	}
}

func (m *packetArrivalTimeMap) reallocate(newCapacity int64) {
	newBuffer := make([]int64, newCapacity)
	for i := range newBuffer {
		newBuffer[i] = notReceived
	}
	for seq := m.beginSequenceNumber; seq < m.endSequenceNumber; seq++ {
		newBuffer[seq&(newCapacity-1)] = m.arrivalTimes[m.index(seq)]
	}
	m.arrivalTimes = newBuffer
}

func (m *packetArrivalTimeMap) index(sequenceNumber int64) int64 {
	// The capacity is a power of two, so the modulo reduces to a mask. The
	// mask keeps the result non-negative for negative sequence numbers.
	return sequenceNumber & int64(len(m.arrivalTimes)-1)
}

func (m *packetArrivalTimeMap) capacity() int {
	return len(m.arrivalTimes)
}
