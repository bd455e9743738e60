package storage

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const influxMeasurement = "calcheck"

// InfluxOptions selects the server, org and bucket.
type InfluxOptions struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxPublisher writes each event as one point with blocking writes.
type InfluxPublisher struct {
	client influxdb2.Client
	writer pointWriter
}

var _ Publisher = (*InfluxPublisher)(nil)

func NewInfluxPublisher(opts InfluxOptions) (*InfluxPublisher, error) {
	if opts.URL == "" || opts.Org == "" || opts.Bucket == "" {
		return nil, fmt.Errorf("storage: influx requires url, org and bucket")
	}
	client := influxdb2.NewClient(opts.URL, opts.Token)
	return &InfluxPublisher{
		client: client,
		writer: client.WriteAPIBlocking(opts.Org, opts.Bucket),
	}, nil
}

func (p *InfluxPublisher) Publish(ctx context.Context, ev Event) error {
	if err := p.writer.WritePoint(ctx, eventPoint(ev)); err != nil {
		return fmt.Errorf("storage: influx write: %w", err)
	}
	return nil
}

func (p *InfluxPublisher) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}

func eventPoint(ev Event) *write.Point {
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	pt := influxdb2.NewPointWithMeasurement(influxMeasurement).
		AddTag("run_id", ev.RunID).
		AddTag("kind", ev.Kind).
		AddTag("instrument", ev.Instrument).
		AddTag("channel", ev.Channel).
		AddField("value", ev.Value).
		AddField("valid", ev.Valid).
		SetTime(ts)
	if ev.Sample > 0 {
		pt.AddField("sample", ev.Sample)
	}
	if ev.PPM != nil {
		pt.AddField("ppm", *ev.PPM)
	}
	if ev.Detail != "" {
		pt.AddField("detail", ev.Detail)
	}
	return pt
}
