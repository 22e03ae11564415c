// Package influxdb wraps the InfluxDB v2 client with non-blocking writes
// for the telemetry sink. The sink is optional: a nil client is safe to
// call and drops every point.
package influxdb

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/iron-rail-core/internal/infrastructure/config"
)

// Client wraps the InfluxDB client and its non-blocking write API.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	onError  func(err error)
}

// Connect creates the client and verifies the server is reachable.
func Connect(ctx context.Context, cfg config.InfluxDBConfig) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ok, err := client.Ping(pingCtx)
	if err != nil || !ok {
		client.Close()
		return nil, fmt.Errorf("influxdb unreachable at %s: %w", cfg.URL, err)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
	}
	go c.drainErrors(c.writeAPI.Errors())
	return c, nil
}

// SetOnError installs a callback for asynchronous write errors.
func (c *Client) SetOnError(callback func(err error)) {
	if c == nil {
		return
	}
	c.onError = callback
}

func (c *Client) drainErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		if c.onError != nil {
			c.onError(err)
		}
	}
}

// WritePoint queues a point for batched delivery. Safe on a nil client.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	if c == nil {
		return
	}
	c.writeAPI.WritePoint(influxdb2.NewPoint(measurement, tags, fields, time.Now()))
}

// Close flushes pending points and shuts the client down. Safe on a nil
// client.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.writeAPI.Flush()
	c.client.Close()
	return nil
}
