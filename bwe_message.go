package twcc

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/pion/rtcp"
)

// BandwidthEstimator produces bandwidth estimates consumed by the proxy. The
// proxy feeds it every accepted packet and polls LatestEstimate at its own
// cadence; it performs no estimation itself.
//
// Both methods are called with the proxy's lock held and must not call back
// into the proxy.
type BandwidthEstimator interface {
	// OnPacket feeds one received packet into the estimator.
	OnPacket(record PacketRecord)

	// LatestEstimate returns the most recent estimate in bits per second and
	// whether one is available.
	LatestEstimate() (float64, bool)
}

// PacketRecord describes one received packet, handed to the bandwidth
// estimator and, wrapped in a TelemetryRecord, to the telemetry sink.
type PacketRecord struct {
	PayloadType    uint8
	SequenceNumber uint16
	SendTime       int64 // unwrapped absolute send time, ms
	SSRC           uint32
	PaddingLength  int
	HeaderLength   int
	ArrivalTime    int64 // ms
	PayloadSize    int
}

const (
	// bandwidthMessageSubType is carried in the RTCP header's 5 bit count
	// field and must stay below 32.
	bandwidthMessageSubType = 29
	bandwidthMessageName    = "PBWE"
	bandwidthMessageSize    = 20
)

var errBandwidthMessageSize = errors.New("bandwidth message has wrong size")

// BandwidthMessage is the fixed layout record carrying a bandwidth estimate
// from the receiver back to the sender inside an application defined RTCP
// packet: three rates in bits per second as IEEE 754 single precision,
// followed by a millisecond timestamp, all big endian.
type BandwidthMessage struct {
	PacingRate  float64
	PaddingRate float64
	TargetRate  float64
	Timestamp   int64 // ms
}

// Marshal encodes the message into its 20 byte wire layout.
func (b *BandwidthMessage) Marshal() []byte {
	buf := make([]byte, bandwidthMessageSize)
	binary.BigEndian.PutUint32(buf[0:], math.Float32bits(float32(b.PacingRate)))
	binary.BigEndian.PutUint32(buf[4:], math.Float32bits(float32(b.PaddingRate)))
	binary.BigEndian.PutUint32(buf[8:], math.Float32bits(float32(b.TargetRate)))
	binary.BigEndian.PutUint64(buf[12:], uint64(b.Timestamp)) //nolint:gosec

	return buf
}

// Unmarshal decodes the 20 byte wire layout.
func (b *BandwidthMessage) Unmarshal(data []byte) error {
	if len(data) != bandwidthMessageSize {
		return errBandwidthMessageSize
	}
	b.PacingRate = float64(math.Float32frombits(binary.BigEndian.Uint32(data[0:])))
	b.PaddingRate = float64(math.Float32frombits(binary.BigEndian.Uint32(data[4:])))
	b.TargetRate = float64(math.Float32frombits(binary.BigEndian.Uint32(data[8:])))
	b.Timestamp = int64(binary.BigEndian.Uint64(data[12:])) //nolint:gosec

	return nil
}

func (b *BandwidthMessage) toRTCP(ssrc uint32) *rtcp.ApplicationDefined {
	return &rtcp.ApplicationDefined{
		SubType: bandwidthMessageSubType,
		SSRC:    ssrc,
		Name:    bandwidthMessageName,
		Data:    b.Marshal(),
	}
}
