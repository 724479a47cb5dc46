package twcc

import (
	"errors"
	"time"
)

const (
	defaultSendInterval      = 100 * time.Millisecond
	defaultMinSendInterval   = 50 * time.Millisecond
	defaultMaxSendInterval   = 250 * time.Millisecond
	defaultBackWindow        = 500 * time.Millisecond
	defaultBandwidthFraction = 0.05
	defaultEstimateInterval  = 200 * time.Millisecond
)

var (
	errInvalidInterval          = errors.New("intervals must be positive")
	errInvalidBandwidthFraction = errors.New("bandwidth fraction must be in (0, 1]")
)

// An Option is a function that can be used to configure a RemoteEstimatorProxy.
type Option func(*RemoteEstimatorProxy) error

// SendInterval sets the initial interval between periodic feedback messages,
// used until the first bitrate change adapts it.
func SendInterval(interval time.Duration) Option {
	return func(p *RemoteEstimatorProxy) error {
		if interval <= 0 {
			return errInvalidInterval
		}
		p.scheduler.sendIntervalMS = interval.Milliseconds()

		return nil
	}
}

// SendIntervalRange bounds the adaptive feedback interval.
func SendIntervalRange(minInterval, maxInterval time.Duration) Option {
	return func(p *RemoteEstimatorProxy) error {
		if minInterval <= 0 || maxInterval < minInterval {
			return errInvalidInterval
		}
		p.scheduler.minIntervalMS = minInterval.Milliseconds()
		p.scheduler.maxIntervalMS = maxInterval.Milliseconds()

		return nil
	}
}

// BackWindow sets how long a packet that was never included in a feedback
// message is retained before it becomes eligible for pruning.
func BackWindow(window time.Duration) Option {
	return func(p *RemoteEstimatorProxy) error {
		if window <= 0 {
			return errInvalidInterval
		}
		p.backWindow = window

		return nil
	}
}

// BandwidthFraction sets the share of the target bitrate the periodic
// feedback stream may occupy.
func BandwidthFraction(fraction float64) Option {
	return func(p *RemoteEstimatorProxy) error {
		if fraction <= 0 || fraction > 1 {
			return errInvalidBandwidthFraction
		}
		p.scheduler.bandwidthFraction = fraction

		return nil
	}
}

// EstimateInterval sets how often the proxy polls the bandwidth estimator and
// sends its estimate back to the sender.
func EstimateInterval(interval time.Duration) Option {
	return func(p *RemoteEstimatorProxy) error {
		if interval <= 0 {
			return errInvalidInterval
		}
		p.estimateIntervalMS = interval.Milliseconds()

		return nil
	}
}

// ProxySSRC sets the sender SSRC written into outgoing feedback messages.
func ProxySSRC(ssrc uint32) Option {
	return func(p *RemoteEstimatorProxy) error {
		p.senderSSRC = ssrc

		return nil
	}
}

// ProxyNow replaces the proxy's clock, mainly for testing.
func ProxyNow(now func() time.Time) Option {
	return func(p *RemoteEstimatorProxy) error {
		p.now = now

		return nil
	}
}

// Estimator attaches the bandwidth estimator collaborator. Without one,
// no estimates are sent back to the sender.
func Estimator(estimator BandwidthEstimator) Option {
	return func(p *RemoteEstimatorProxy) error {
		p.estimator = estimator

		return nil
	}
}

// Telemetry attaches the telemetry sink collaborator. Without one,
// per-packet records are discarded.
func Telemetry(sink TelemetrySink) Option {
	return func(p *RemoteEstimatorProxy) error {
		p.telemetry = sink

		return nil
	}
}
