package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	framesDecodedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshbbs_frames_decoded_total",
		Help: "Total frames extracted from the serial byte stream",
	})
	frameDecodeFailedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshbbs_frame_decode_failed_total",
		Help: "Total frames that failed structured decode and were dropped",
	})
	frameResyncCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshbbs_frame_resync_total",
		Help: "Total times the codec discarded bytes to re-find a frame boundary",
	})
	noiseBytesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshbbs_noise_bytes_total",
		Help: "Total non-frame bytes discarded from the serial stream",
	})
	reliableSentCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshbbs_reliable_sent_total",
		Help: "Total reliable direct messages handed to the device",
	})
	reliableAckedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshbbs_reliable_acked_total",
		Help: "Total reliable direct messages acknowledged by the peer",
	})
	reliableFailedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshbbs_reliable_failed_total",
		Help: "Total reliable direct messages that exhausted the backoff schedule",
	})
	reliableRetriesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshbbs_reliable_retries_total",
		Help: "Total retransmissions of reliable direct messages",
	})
	broadcastConfirmedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshbbs_broadcast_confirmed_total",
		Help: "Broadcasts acknowledged by at least one node within the TTL window",
	})
	broadcastExpiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshbbs_broadcast_expired_total",
		Help: "Broadcast ack windows that expired without any acknowledgement",
	})
	ackLatencyHist = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "meshbbs_ack_latency_seconds",
		Help:    "Latency between a reliable send and its acknowledgement",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})
	transportDownCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshbbs_transport_down_total",
		Help: "Times persistent serial I/O failure was escalated to the application",
	})
)

func FrameDecoded() { framesDecodedCounter.Inc() }

func FrameDecodeFailed() { frameDecodeFailedCounter.Inc() }

func FrameResync() { frameResyncCounter.Inc() }

func NoiseBytes(n int) { noiseBytesCounter.Add(float64(n)) }

func ReliableSent() { reliableSentCounter.Inc() }

func ReliableAcked() { reliableAckedCounter.Inc() }

func ReliableFailed() { reliableFailedCounter.Inc() }

func ReliableRetry() { reliableRetriesCounter.Inc() }

func BroadcastConfirmed() { broadcastConfirmedCounter.Inc() }

func BroadcastExpired() { broadcastExpiredCounter.Inc() }

func AckLatency(d time.Duration) { ackLatencyHist.Observe(d.Seconds()) }

func TransportDown() { transportDownCounter.Inc() }

// StartServer exposes /metrics on addr until ctx is cancelled. It returns
// the bound address so callers can log an ephemeral port.
func StartServer(ctx context.Context, addr string) (string, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		framesDecodedCounter,
		frameDecodeFailedCounter,
		frameResyncCounter,
		noiseBytesCounter,
		reliableSentCounter,
		reliableAckedCounter,
		reliableFailedCounter,
		reliableRetriesCounter,
		broadcastConfirmedCounter,
		broadcastExpiredCounter,
		ackLatencyHist,
		transportDownCounter,
	)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen metrics addr %q: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("metrics server stopped", "error", err)
		}
	}()

	return ln.Addr().String(), nil
}
