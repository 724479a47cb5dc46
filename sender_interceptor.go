package twcc

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/randutil"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

const (
	transportCCURI = "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"
	absSendTimeURI = "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time"
)

var errNoBoundWriter = errors.New("no bound rtcp writer")

// SenderOption can be used to configure a SenderInterceptor.
type SenderOption func(*SenderInterceptor) error

// SenderLog sets a logger for the interceptor.
func SenderLog(log logging.LeveledLogger) SenderOption {
	return func(s *SenderInterceptor) error {
		s.log = log

		return nil
	}
}

// SenderNow sets an alternative for the time.Now function.
func SenderNow(f func() time.Time) SenderOption {
	return func(s *SenderInterceptor) error {
		s.now = f

		return nil
	}
}

// ProxyOptions forwards options to the RemoteEstimatorProxy owned by the
// interceptor.
func ProxyOptions(opts ...Option) SenderOption {
	return func(s *SenderInterceptor) error {
		s.proxyOpts = append(s.proxyOpts, opts...)

		return nil
	}
}

// SenderInterceptorFactory is an interceptor.Factory for a SenderInterceptor.
type SenderInterceptorFactory struct {
	opts []SenderOption
}

// NewSenderInterceptor returns a new SenderInterceptorFactory.
func NewSenderInterceptor(opts ...SenderOption) (*SenderInterceptorFactory, error) {
	return &SenderInterceptorFactory{opts: opts}, nil
}

// NewInterceptor constructs a new SenderInterceptor.
func (f *SenderInterceptorFactory) NewInterceptor(_ string) (interceptor.Interceptor, error) {
	sender := &SenderInterceptor{
		log:    logging.NewDefaultLoggerFactory().NewLogger("twcc_sender_interceptor"),
		now:    time.Now,
		writer: &rtcpWriterSender{},
		close:  make(chan struct{}),
	}
	for _, opt := range f.opts {
		if err := opt(sender); err != nil {
			return nil, err
		}
	}

	proxyOpts := append([]Option{
		ProxySSRC(randutil.NewMathRandomGenerator().Uint32()),
		ProxyNow(sender.now),
	}, sender.proxyOpts...)
	proxy, err := NewRemoteEstimatorProxy(sender.writer, proxyOpts...)
	if err != nil {
		return nil, err
	}
	sender.proxy = proxy

	return sender, nil
}

// SenderInterceptor sends transport wide congestion control feedback from the
// media receiver back to the media sender. The name follows the direction of
// the RTCP reports it produces.
type SenderInterceptor struct {
	interceptor.NoOp

	log logging.LeveledLogger
	now func() time.Time

	proxy     *RemoteEstimatorProxy
	proxyOpts []Option
	writer    *rtcpWriterSender

	wg    sync.WaitGroup
	close chan struct{}
}

// BindRTCPWriter lets you modify any outgoing RTCP packets. It is called once
// per PeerConnection. The returned method will be called once per packet batch.
func (s *SenderInterceptor) BindRTCPWriter(writer interceptor.RTCPWriter) interceptor.RTCPWriter {
	s.writer.setWriter(writer)

	if !s.isClosed() {
		s.wg.Add(1)
		go s.loop()
	}

	return writer
}

// BindRemoteStream lets you modify any incoming RTP packets. It is called once
// for per RemoteStream. The returned method will be called once per rtp packet.
func (s *SenderInterceptor) BindRemoteStream(
	info *interceptor.StreamInfo, reader interceptor.RTPReader,
) interceptor.RTPReader {
	var twccID, absSendTimeID uint8
	for _, e := range info.RTPHeaderExtensions {
		switch e.URI {
		case transportCCURI:
			twccID = uint8(e.ID) //nolint:gosec // IDs are 1 byte
		case absSendTimeURI:
			absSendTimeID = uint8(e.ID) //nolint:gosec // IDs are 1 byte
		}
	}
	if twccID == 0 && absSendTimeID == 0 {
		return reader
	}

	return interceptor.RTPReaderFunc(func(buf []byte, attributes interceptor.Attributes) (int, interceptor.Attributes, error) {
		i, attr, err := reader.Read(buf, attributes)
		if err != nil {
			return 0, nil, err
		}

		pkt := rtp.Packet{}
		if err = pkt.Unmarshal(buf[:i]); err != nil {
			return 0, nil, err
		}

		record := Packet{
			MediaSSRC:      pkt.SSRC,
			PayloadType:    pkt.PayloadType,
			SequenceNumber: pkt.SequenceNumber,
			HeaderLength:   pkt.Header.MarshalSize(),
			PayloadSize:    len(pkt.Payload),
			PaddingLength:  int(pkt.PaddingSize),
		}
		if twccID != 0 {
			if ext := pkt.GetExtension(twccID); ext != nil {
				var tccExt rtp.TransportCCExtension
				if err = tccExt.Unmarshal(ext); err != nil {
					s.log.Warnf("failed to unmarshal transport-cc extension: %v", err)
				} else {
					record.TransportSequenceNumber = tccExt.TransportSequence
					record.HasTransportSequenceNumber = true
				}
			}
		}
		if absSendTimeID != 0 {
			if ext := pkt.GetExtension(absSendTimeID); ext != nil {
				var sendTimeExt rtp.AbsSendTimeExtension
				if err = sendTimeExt.Unmarshal(ext); err != nil {
					s.log.Warnf("failed to unmarshal abs-send-time extension: %v", err)
				} else {
					record.AbsSendTime = uint32(sendTimeExt.Timestamp) //nolint:gosec // 24 bit value
				}
			}
		}

		s.proxy.IncomingPacket(s.now().UnixMilli(), record)

		return i, attr, nil
	})
}

// Close closes the interceptor and stops the feedback loop.
func (s *SenderInterceptor) Close() error {
	defer s.wg.Wait()

	if !s.isClosed() {
		close(s.close)
	}

	return nil
}

func (s *SenderInterceptor) loop() {
	defer s.wg.Done()

	timer := time.NewTimer(s.proxy.TimeUntilNextProcess())
	defer timer.Stop()
	for {
		select {
		case <-s.close:
			return
		case <-timer.C:
			s.proxy.Process()
			timer.Reset(s.proxy.TimeUntilNextProcess())
		}
	}
}

func (s *SenderInterceptor) isClosed() bool {
	select {
	case <-s.close:
		return true
	default:
		return false
	}
}

// rtcpWriterSender bridges the proxy's FeedbackSender to the RTCP writer the
// interceptor is bound to. Packets produced before BindRTCPWriter are dropped.
type rtcpWriterSender struct {
	lock   sync.Mutex
	writer interceptor.RTCPWriter
}

func (w *rtcpWriterSender) setWriter(writer interceptor.RTCPWriter) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.writer = writer
}

func (w *rtcpWriterSender) write(pkt rtcp.Packet) error {
	w.lock.Lock()
	writer := w.writer
	w.lock.Unlock()
	if writer == nil {
		return errNoBoundWriter
	}
	_, err := writer.Write([]rtcp.Packet{pkt}, interceptor.Attributes{})

	return err
}

// SendTransportFeedback implements FeedbackSender.
func (w *rtcpWriterSender) SendTransportFeedback(fb *rtcp.TransportLayerCC) error {
	return w.write(fb)
}

// SendApplicationPacket implements FeedbackSender.
func (w *rtcpWriterSender) SendApplicationPacket(pkt *rtcp.ApplicationDefined) error {
	return w.write(pkt)
}
