package twcc

import (
	"math"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/twcc/internal/sequencenumber"
)

// maxArrivalTime is the largest accepted arrival time in milliseconds. It is
// lower than the numerical limit because arrival times are converted to
// microseconds for the wire.
const maxArrivalTime = math.MaxInt64 / 1000

// FeedbackSender sends the RTCP packets produced by the proxy back toward the
// media sender. Both methods are called with the proxy's lock held: they must
// be synchronous, must not block and must not call back into the proxy.
type FeedbackSender interface {
	// SendTransportFeedback sends one transport wide feedback message.
	SendTransportFeedback(pkt *rtcp.TransportLayerCC) error

	// SendApplicationPacket sends an application defined message, used to
	// carry a bandwidth estimate back to the sender.
	SendApplicationPacket(pkt *rtcp.ApplicationDefined) error
}

// FeedbackRequest asks for immediate feedback covering the SequenceCount
// packets up to and including the packet that carried the request.
type FeedbackRequest struct {
	IncludeTimestamps bool
	SequenceCount     uint16
}

// Packet carries the per-packet metadata the proxy consumes. The RTP header
// has already been parsed; extension values are extracted by the caller.
type Packet struct {
	MediaSSRC   uint32
	PayloadType uint8

	// SequenceNumber is the RTP sequence number, only used for telemetry.
	SequenceNumber uint16

	// TransportSequenceNumber is the transport wide sequence number from the
	// TWCC header extension.
	TransportSequenceNumber    uint16
	HasTransportSequenceNumber bool

	// AbsSendTime is the raw 24 bit 6.18 fixed point send time from the
	// abs-send-time header extension, zero if absent.
	AbsSendTime uint32

	HeaderLength  int
	PaddingLength int
	PayloadSize   int

	// FeedbackRequest, if set, triggers immediate feedback outside the
	// periodic cadence.
	FeedbackRequest *FeedbackRequest
}

// RemoteEstimatorProxy implements the receiver side of the transport wide
// congestion control feedback loop. It records the arrival time of every
// packet carrying a transport wide sequence number and periodically, or on
// request, sends feedback messages describing which sequence numbers arrived
// and when.
//
// The proxy is passive: an external caller delivers packets through
// IncomingPacket and drives periodic feedback by calling Process whenever
// TimeUntilNextProcess reaches zero. All methods may be called from different
// goroutines; a single lock serializes them.
type RemoteEstimatorProxy struct {
	log logging.LeveledLogger
	now func() time.Time

	feedbackSender FeedbackSender
	estimator      BandwidthEstimator
	telemetry      TelemetrySink

	backWindow         time.Duration
	estimateIntervalMS int64

	lock sync.Mutex

	senderSSRC          uint32
	mediaSSRC           uint32
	feedbackPacketCount uint8

	unwrapper  sequencenumber.Unwrapper
	sendTime   sendTimeUnwrapper
	scheduler  feedbackScheduler
	arrivalMap packetArrivalTimeMap

	// periodicWindowStart is the first sequence number not yet covered by a
	// sent periodic feedback message, nil until the first arrival.
	periodicWindowStart *int64

	lastEstimateSentMS int64
}

// NewRemoteEstimatorProxy creates a proxy sending its feedback through sender.
func NewRemoteEstimatorProxy(sender FeedbackSender, opts ...Option) (*RemoteEstimatorProxy, error) {
	proxy := &RemoteEstimatorProxy{
		log:                logging.NewDefaultLoggerFactory().NewLogger("twcc_proxy"),
		now:                time.Now,
		feedbackSender:     sender,
		backWindow:         defaultBackWindow,
		estimateIntervalMS: defaultEstimateInterval.Milliseconds(),
		scheduler: newFeedbackScheduler(
			defaultSendInterval, defaultMinSendInterval, defaultMaxSendInterval, defaultBandwidthFraction,
		),
		sendTime: newSendTimeUnwrapper(),
	}

	for _, opt := range opts {
		if err := opt(proxy); err != nil {
			return nil, err
		}
	}
	proxy.lastEstimateSentMS = proxy.nowMS()

	return proxy, nil
}

// IncomingPacket records the arrival of packet at arrivalTime, given in
// milliseconds on the proxy's clock. Packets without a transport wide
// sequence number are dropped.
func (p *RemoteEstimatorProxy) IncomingPacket(arrivalTime int64, packet Packet) {
	if !packet.HasTransportSequenceNumber {
		p.log.Warn("incoming packet is missing the transport sequence number extension")

		return
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	p.mediaSSRC = packet.MediaSSRC
	p.onPacketArrival(packet.TransportSequenceNumber, arrivalTime, packet.FeedbackRequest)

	sendTimeMS := p.sendTime.unwrap(packet.AbsSendTime)
	record := PacketRecord{
		PayloadType:    packet.PayloadType,
		SequenceNumber: packet.SequenceNumber,
		SendTime:       sendTimeMS,
		SSRC:           packet.MediaSSRC,
		PaddingLength:  packet.PaddingLength,
		HeaderLength:   packet.HeaderLength,
		ArrivalTime:    arrivalTime,
		PayloadSize:    packet.PayloadSize,
	}

	estimate := p.maybeSendEstimate(record)

	if p.telemetry != nil {
		p.telemetry.Collect(TelemetryRecord{
			PacketRecord: record,
			PacingRate:   estimate,
			PaddingRate:  estimate,
		})
	}
}

// TimeUntilNextProcess returns how long the caller should wait before the
// next call to Process.
func (p *RemoteEstimatorProxy) TimeUntilNextProcess() time.Duration {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.scheduler.timeUntilNext(p.nowMS())
}

// Process runs one periodic pass, sending feedback for everything received
// since the periodic cursor. It is a no-op while periodic feedback is
// disabled.
func (p *RemoteEstimatorProxy) Process() {
	p.lock.Lock()
	defer p.lock.Unlock()

	if !p.scheduler.tick(p.nowMS()) {
		return
	}
	p.sendPeriodicFeedback()
}

// OnBitrateChanged adapts the periodic send interval to the current target
// bitrate in bits per second.
func (p *RemoteEstimatorProxy) OnBitrateChanged(bitrate int) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.scheduler.updateInterval(bitrate)
}

// SetSendPeriodicFeedback toggles periodic feedback. Disabling does not
// interrupt anything in flight; it only stops future Process calls from
// doing work.
func (p *RemoteEstimatorProxy) SetSendPeriodicFeedback(enabled bool) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.scheduler.enabled = enabled
}

func (p *RemoteEstimatorProxy) onPacketArrival(sequenceNumber uint16, arrivalTime int64, request *FeedbackRequest) {
	if arrivalTime < 0 || arrivalTime > maxArrivalTime {
		p.log.Warnf("arrival time out of bounds: %d", arrivalTime)

		return
	}

	seq := p.unwrapper.Unwrap(sequenceNumber)

	if p.scheduler.enabled {
		if p.periodicWindowStart != nil {
			if _, _, ok := p.arrivalMap.FindNextAtOrAfter(*p.periodicWindowStart); !ok {
				// The previous feedback window fully drained. Cull packets
				// that are too old to ever be included in a feedback message.
				p.arrivalMap.RemoveOldPackets(seq, arrivalTime-p.backWindow.Milliseconds())
			}
		}
		if p.periodicWindowStart == nil || seq < *p.periodicWindowStart {
			p.setPeriodicWindowStart(seq)
		}
	}

	// Only the first arrival of a sequence number is of interest.
	if p.arrivalMap.HasReceived(seq) {
		return
	}
	p.arrivalMap.AddPacket(seq, arrivalTime)

	// Adding the packet may have pruned the oldest entries to keep the window
	// span bounded; the cursor must not point below the window.
	if p.scheduler.enabled && p.periodicWindowStart != nil &&
		*p.periodicWindowStart < p.arrivalMap.BeginSequenceNumber() {
		p.setPeriodicWindowStart(p.arrivalMap.BeginSequenceNumber())
	}

	if request != nil {
		p.sendFeedbackOnRequest(seq, request)
	}
}

func (p *RemoteEstimatorProxy) sendPeriodicFeedback() {
	// periodicWindowStart is the first sequence number to include in the next
	// feedback message. Older packets may still be in the map in case a
	// reordering requires them to be reported again.
	if p.periodicWindowStart == nil {
		return
	}

	for {
		if _, _, ok := p.arrivalMap.FindNextAtOrAfter(*p.periodicWindowStart); !ok {
			return
		}
		fb := newFeedback(p.senderSSRC, p.mediaSSRC, p.feedbackPacketCount)
		p.feedbackPacketCount++
		next := p.buildFeedback(fb, *p.periodicWindowStart, p.arrivalMap.EndSequenceNumber())
		p.setPeriodicWindowStart(next)

		if err := p.feedbackSender.SendTransportFeedback(fb.getRTCP()); err != nil {
			p.log.Warnf("failed sending feedback: %v", err)
		}
		// Entries are not erased after sending: they may need to be reported
		// again after a reordering. Removal happens in onPacketArrival once
		// packets are too old.
	}
}

func (p *RemoteEstimatorProxy) sendFeedbackOnRequest(sequenceNumber int64, request *FeedbackRequest) {
	if request.SequenceCount == 0 {
		return
	}

	fb := newFeedback(p.senderSSRC, p.mediaSSRC, p.feedbackPacketCount)
	p.feedbackPacketCount++
	fb.excludeTimestamps = !request.IncludeTimestamps

	first := sequenceNumber - int64(request.SequenceCount) + 1
	p.buildFeedback(fb, first, sequenceNumber+1)

	// The response is authoritative and not retried: everything up to the
	// start of the range is of no further use.
	p.arrivalMap.EraseTo(first)

	if err := p.feedbackSender.SendTransportFeedback(fb.getRTCP()); err != nil {
		p.log.Warnf("failed sending requested feedback: %v", err)
	}
}

// buildFeedback packs received packets from baseSequenceNumber up to but not
// including endSequenceNumber into fb and returns the sequence number one
// past the last packet included. The base time of the message is the arrival
// time of the first received packet in the range.
func (p *RemoteEstimatorProxy) buildFeedback(fb *feedback, baseSequenceNumber, endSequenceNumber int64) int64 {
	next := baseSequenceNumber
	for {
		seq, arrivalTime, ok := p.arrivalMap.FindNextAtOrAfter(next)
		if ok && seq >= endSequenceNumber {
			ok = false
		}
		if !ok {
			if next == baseSequenceNumber {
				// Nothing received in the range; the message stays empty.
				fb.setBase(uint16(baseSequenceNumber), 0) //nolint:gosec
			}

			break
		}
		if next == baseSequenceNumber {
			fb.setBase(uint16(baseSequenceNumber), arrivalTime*1000) //nolint:gosec
		}
		if !fb.addReceived(uint16(seq), arrivalTime*1000) { //nolint:gosec
			if next == baseSequenceNumber {
				// A message that cannot hold even one record means the wire
				// capacity and the window slicing disagree.
				panic("twcc: feedback message cannot hold a single receive record")
			}

			break
		}
		next = seq + 1
	}

	return next
}

// maybeSendEstimate polls the bandwidth estimator at the configured cadence
// and forwards a fresh estimate to the sender. It returns the estimate used
// this cycle, or RateEmpty if none was computed.
func (p *RemoteEstimatorProxy) maybeSendEstimate(record PacketRecord) float64 {
	if p.estimator == nil {
		return RateEmpty
	}
	p.estimator.OnPacket(record)

	now := p.nowMS()
	if now-p.estimateIntervalMS <= p.lastEstimateSentMS {
		return RateEmpty
	}
	p.lastEstimateSentMS = now

	estimate, ok := p.estimator.LatestEstimate()
	if !ok {
		return RateEmpty
	}

	msg := BandwidthMessage{
		PacingRate:  estimate,
		PaddingRate: estimate,
		TargetRate:  estimate,
		Timestamp:   now,
	}
	if err := p.feedbackSender.SendApplicationPacket(msg.toRTCP(p.senderSSRC)); err != nil {
		p.log.Warnf("failed sending bandwidth estimate: %v", err)
	}

	return estimate
}

func (p *RemoteEstimatorProxy) setPeriodicWindowStart(seq int64) {
	s := seq
	p.periodicWindowStart = &s
}

func (p *RemoteEstimatorProxy) nowMS() int64 {
	return p.now().UnixMilli()
}
