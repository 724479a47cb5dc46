// Package twcc generates transport wide congestion control feedback as
// specified in:
// https://datatracker.ietf.org/doc/html/draft-holmer-rmcat-transport-wide-cc-extensions-01
package twcc

import (
	"math"

	"github.com/pion/rtcp"
)

type chunk struct {
	hasLargeDelta     bool
	hasDifferentTypes bool
	deltas            []uint16
}

const (
	maxRunLengthCap = 0x1fff // 13 bits
	maxOneBitCap    = 14     // bits
	maxTwoBitCap    = 7      // bits
)

func (c *chunk) canAdd(delta uint16) bool {
	if len(c.deltas) < maxTwoBitCap {
		return true
	}
	if len(c.deltas) < maxOneBitCap && !c.hasLargeDelta && oneBitSymbol(delta) {
		return true
	}
	if len(c.deltas) < maxRunLengthCap && !c.hasDifferentTypes && delta == c.deltas[0] {
		return true
	}

	return false
}

// oneBitSymbol reports whether delta can live in a one bit status vector,
// which only distinguishes received-with-small-delta from not-received.
func oneBitSymbol(delta uint16) bool {
	return delta == rtcp.TypeTCCPacketNotReceived || delta == rtcp.TypeTCCPacketReceivedSmallDelta
}

func (c *chunk) add(delta uint16) {
	c.deltas = append(c.deltas, delta)
	c.hasLargeDelta = c.hasLargeDelta || delta == rtcp.TypeTCCPacketReceivedLargeDelta
	c.hasDifferentTypes = c.hasDifferentTypes || delta != c.deltas[0]
}

func (c *chunk) encode() rtcp.PacketStatusChunk {
	if !c.hasDifferentTypes {
		defer c.reset()

		return &rtcp.RunLengthChunk{
			Type:               rtcp.TypeTCCRunLengthChunk,
			PacketStatusSymbol: c.deltas[0],
			RunLength:          uint16(len(c.deltas)), //nolint:gosec
		}
	}
	if len(c.deltas) == maxOneBitCap {
		defer c.reset()

		return &rtcp.StatusVectorChunk{
			Type:       rtcp.TypeTCCStatusVectorChunk,
			SymbolSize: rtcp.TypeTCCSymbolSizeOneBit,
			SymbolList: c.deltas,
		}
	}

	minCap := maxTwoBitCap
	if len(c.deltas) < minCap {
		minCap = len(c.deltas)
	}
	svc := &rtcp.StatusVectorChunk{
		Type:       rtcp.TypeTCCStatusVectorChunk,
		SymbolSize: rtcp.TypeTCCSymbolSizeTwoBit,
		SymbolList: c.deltas[:minCap],
	}
	c.deltas = c.deltas[minCap:]
	c.hasDifferentTypes = false
	c.hasLargeDelta = false

	for _, d := range c.deltas {
		c.hasDifferentTypes = c.hasDifferentTypes || d != c.deltas[0]
		c.hasLargeDelta = c.hasLargeDelta || d == rtcp.TypeTCCPacketReceivedLargeDelta
	}

	return svc
}

func (c *chunk) reset() {
	c.deltas = []uint16{}
	c.hasLargeDelta = false
	c.hasDifferentTypes = false
}

const (
	// feedbackHeaderSize is the RTCP header plus the fixed transport layer CC
	// fields (sender/media SSRC, base sequence number, packet status count,
	// reference time and feedback packet count).
	feedbackHeaderSize = 20

	// maxFeedbackSize bounds the on-wire size of one feedback message so it
	// fits a single unfragmented packet.
	maxFeedbackSize = 1350

	// maxReportedPackets is the limit of the 16 bit packet status count.
	maxReportedPackets = math.MaxUint16
)

type feedback struct {
	rtcp                *rtcp.TransportLayerCC
	baseSequenceNumber  uint16
	refTimestamp64MS    int64
	lastTimestampUS     int64
	nextSequenceNumber  uint16
	sequenceNumberCount uint16
	len                 int
	lastChunk           chunk
	chunks              []rtcp.PacketStatusChunk
	deltas              []*rtcp.RecvDelta

	// excludeTimestamps drops the receive deltas from the message, marking
	// packets as received-without-delta instead. Used for feedback requests
	// that asked for no timestamps.
	excludeTimestamps bool
}

func newFeedback(senderSSRC, mediaSSRC uint32, count uint8) *feedback {
	return &feedback{
		rtcp: &rtcp.TransportLayerCC{
			SenderSSRC: senderSSRC,
			MediaSSRC:  mediaSSRC,
			FbPktCount: count,
		},
	}
}

func (f *feedback) setBase(sequenceNumber uint16, timeUS int64) {
	f.baseSequenceNumber = sequenceNumber
	f.nextSequenceNumber = f.baseSequenceNumber
	f.refTimestamp64MS = timeUS / 64e3
	f.lastTimestampUS = f.refTimestamp64MS * 64e3
}

func (f *feedback) getRTCP() *rtcp.TransportLayerCC {
	f.rtcp.PacketStatusCount = f.sequenceNumberCount
	f.rtcp.ReferenceTime = uint32(f.refTimestamp64MS) //nolint:gosec
	f.rtcp.BaseSequenceNumber = f.baseSequenceNumber
	for len(f.lastChunk.deltas) > 0 {
		f.chunks = append(f.chunks, f.lastChunk.encode())
	}
	f.rtcp.PacketChunks = append(f.rtcp.PacketChunks, f.chunks...)
	f.rtcp.RecvDeltas = f.deltas

	padLen := feedbackHeaderSize + len(f.rtcp.PacketChunks)*2 + f.len
	padding := padLen%4 != 0
	for padLen%4 != 0 {
		padLen++
	}
	f.rtcp.Header = rtcp.Header{
		Count:   rtcp.FormatTCC,
		Type:    rtcp.TypeTransportSpecificFeedback,
		Padding: padding,
		Length:  uint16(padLen/4 - 1), //nolint:gosec
	}

	return f.rtcp
}

// addReceived appends one receive record. It returns false when the message's
// capacity is exhausted: the delta to the previous record does not fit 16
// bits, the packet status count would overflow, or the message would no
// longer fit a single packet. The caller then starts a fresh message.
func (f *feedback) addReceived(sequenceNumber uint16, timestampUS int64) bool {
	deltaUS := timestampUS - f.lastTimestampUS
	delta250US := deltaUS / rtcp.TypeTCCDeltaScaleFactor
	if !f.excludeTimestamps && (delta250US < math.MinInt16 || delta250US > math.MaxInt16) {
		return false
	}

	missing := int(sequenceNumber - f.nextSequenceNumber)
	if int(f.sequenceNumberCount)+missing+1 > maxReportedPackets {
		return false
	}

	recvDelta := rtcp.TypeTCCPacketReceivedSmallDelta
	deltaSize := 1
	switch {
	case f.excludeTimestamps:
		recvDelta = rtcp.TypeTCCPacketReceivedWithoutDelta
		deltaSize = 0
	case delta250US < 0 || delta250US > math.MaxUint8:
		recvDelta = rtcp.TypeTCCPacketReceivedLargeDelta
		deltaSize = 2
	}

	if f.wireSizeWith(missing, deltaSize) > maxFeedbackSize {
		return false
	}

	for ; f.nextSequenceNumber != sequenceNumber; f.nextSequenceNumber++ {
		if !f.lastChunk.canAdd(rtcp.TypeTCCPacketNotReceived) {
			f.chunks = append(f.chunks, f.lastChunk.encode())
		}
		f.lastChunk.add(rtcp.TypeTCCPacketNotReceived)
		f.sequenceNumberCount++
	}

	if !f.lastChunk.canAdd(uint16(recvDelta)) { //nolint:gosec
		f.chunks = append(f.chunks, f.lastChunk.encode())
	}
	f.lastChunk.add(uint16(recvDelta)) //nolint:gosec
	if !f.excludeTimestamps {
		f.deltas = append(f.deltas, &rtcp.RecvDelta{
			Type:  recvDelta,
			Delta: deltaUS,
		})
		f.lastTimestampUS = timestampUS
	}
	f.sequenceNumberCount++
	f.nextSequenceNumber++
	f.len += deltaSize

	return true
}

// wireSizeWith is an upper bound of the encoded size after adding one more
// record that spans missing unreceived sequence numbers.
func (f *feedback) wireSizeWith(missing, deltaSize int) int {
	symbols := len(f.lastChunk.deltas) + missing + 1
	chunks := len(f.chunks) + (symbols+maxTwoBitCap-1)/maxTwoBitCap

	return feedbackHeaderSize + 2*chunks + f.len + deltaSize
}
