// Package metrics records operational timings for the commit and validation
// paths. The ledger core never blocks on the metrics backend.
package metrics

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"go.uber.org/zap"
)

// Recorder receives operational measurements.
type Recorder interface {
	CommitLatency(d time.Duration, status string)
	ValidationLatency(d time.Duration, accepted bool)
	CommitRetries(n int)
	Close()
}

type noopRecorder struct{}

// Noop returns a Recorder that discards everything.
func Noop() Recorder { return noopRecorder{} }

func (noopRecorder) CommitLatency(time.Duration, string)   {}
func (noopRecorder) ValidationLatency(time.Duration, bool) {}
func (noopRecorder) CommitRetries(int)                     {}
func (noopRecorder) Close()                                {}

type influxRecorder struct {
	client influxdb2.Client
	write  api.WriteAPI
	logger *zap.Logger
}

// NewInflux creates a Recorder writing to an InfluxDB bucket. Writes are
// async and never back-pressure the commit path.
func NewInflux(url, token, org, bucket string, logger *zap.Logger) Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := influxdb2.NewClient(url, token)
	write := client.WriteAPI(org, bucket)

	r := &influxRecorder{client: client, write: write, logger: logger}
	go func() {
		for err := range write.Errors() {
			r.logger.Warn("metrics write failed", zap.Error(err))
		}
	}()
	return r
}

func (r *influxRecorder) CommitLatency(d time.Duration, status string) {
	p := influxdb2.NewPoint("commit_latency",
		map[string]string{"status": status},
		map[string]interface{}{"ms": float64(d.Microseconds()) / 1000.0},
		time.Now(),
	)
	r.write.WritePoint(p)
}

func (r *influxRecorder) ValidationLatency(d time.Duration, accepted bool) {
	status := "rejected"
	if accepted {
		status = "accepted"
	}
	p := influxdb2.NewPoint("validation_latency",
		map[string]string{"status": status},
		map[string]interface{}{"ms": float64(d.Microseconds()) / 1000.0},
		time.Now(),
	)
	r.write.WritePoint(p)
}

func (r *influxRecorder) CommitRetries(n int) {
	p := influxdb2.NewPoint("commit_retries",
		nil,
		map[string]interface{}{"count": n},
		time.Now(),
	)
	r.write.WritePoint(p)
}

func (r *influxRecorder) Close() {
	r.write.Flush()
	r.client.Close()
}
