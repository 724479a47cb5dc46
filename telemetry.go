package twcc

import (
	"sync"
	"time"

	"github.com/pion/logging"
	"golang.org/x/time/rate"
)

// RateEmpty marks a telemetry record collected in a cycle where no bandwidth
// estimate was computed.
const RateEmpty float64 = -1

// TelemetryRecord is the per-packet record handed to the telemetry sink. The
// rates are the estimate computed in the same cycle, or RateEmpty.
type TelemetryRecord struct {
	PacketRecord
	PacingRate  float64
	PaddingRate float64
}

// TelemetrySink receives per-packet records for offline analysis. Collect is
// fire and forget: it is called with the proxy's lock held, must not block
// and must not call back into the proxy. Sink failures never affect packet
// processing.
type TelemetrySink interface {
	Collect(record TelemetryRecord)
}

// TelemetryStore is the storage backend of a BufferedTelemetrySink, for
// example a database client.
type TelemetryStore interface {
	Connect() error
	Save(records []TelemetryRecord) error
	Close() error
}

const (
	defaultFlushInterval   = time.Second
	defaultSaveRetries     = 2
	defaultTelemetryBuffer = 8192

	// Reconnect attempts toward an unreachable store are limited to one per
	// second with a small burst.
	reconnectRate  = 1
	reconnectBurst = 3
)

// BufferedTelemetrySink buffers telemetry records and flushes them to a
// TelemetryStore on an interval. A failed save is retried a bounded number of
// times, reconnecting when the store reports a connection problem, and the
// batch is dropped with a log entry once the retries are exhausted.
type BufferedTelemetrySink struct {
	log       logging.LeveledLogger
	store     TelemetryStore
	interval  time.Duration
	retries   int
	reconnect *rate.Limiter

	lock    sync.Mutex
	records []TelemetryRecord

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// NewBufferedTelemetrySink connects the store and starts the flush loop.
func NewBufferedTelemetrySink(store TelemetryStore) (*BufferedTelemetrySink, error) {
	if err := store.Connect(); err != nil {
		return nil, err
	}
	sink := &BufferedTelemetrySink{
		log:       logging.NewDefaultLoggerFactory().NewLogger("twcc_telemetry"),
		store:     store,
		interval:  defaultFlushInterval,
		retries:   defaultSaveRetries,
		reconnect: rate.NewLimiter(reconnectRate, reconnectBurst),
		done:      make(chan struct{}),
	}
	sink.wg.Add(1)
	go sink.loop()

	return sink, nil
}

// Collect implements TelemetrySink.
func (s *BufferedTelemetrySink) Collect(record TelemetryRecord) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if len(s.records) >= defaultTelemetryBuffer {
		// Keep the newest records; the sink is instrumentation, not a
		// reliable pipeline.
		s.records = s.records[1:]
	}
	s.records = append(s.records, record)
}

// Close stops the flush loop, writes buffered records out and closes the
// store.
func (s *BufferedTelemetrySink) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	s.flush()

	return s.store.Close()
}

func (s *BufferedTelemetrySink) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

func (s *BufferedTelemetrySink) flush() {
	s.lock.Lock()
	batch := s.records
	s.records = nil
	s.lock.Unlock()

	if len(batch) == 0 {
		return
	}

	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if err = s.store.Save(batch); err == nil {
			return
		}
		if !s.reconnect.Allow() {
			continue
		}
		if connectErr := s.store.Connect(); connectErr != nil {
			s.log.Warnf("telemetry store reconnect failed: %v", connectErr)
		}
	}
	s.log.Errorf("dropping %d telemetry records: %v", len(batch), err)
}
