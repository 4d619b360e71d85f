package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurements written by the bridge. Every point has a single count=1
// field so sum() over a window gives a rate.
const (
	FrameMeasurement   = "nikobus_frames"
	CommandMeasurement = "nikobus_commands"
)

// WriteFrameMetric records one received line, tagged with how the bridge
// classified it (state, frame, button, invalid, unrecognised), whether it
// verified, and the module address when known.
func (c *Client) WriteFrameMetric(kind, address string, valid bool) {
	tags := map[string]string{
		"kind":  kind,
		"valid": strconv.FormatBool(valid),
	}
	if address != "" {
		tags["address"] = address
	}
	c.writeCount(FrameMeasurement, tags)
}

// WriteCommandMetric records one executed command and its result
// ("accepted" or an ack error code).
func (c *Client) WriteCommandMetric(moduleID, command, result string) {
	c.writeCount(CommandMeasurement, map[string]string{
		"module":  moduleID,
		"command": command,
		"result":  result,
	})
}

func (c *Client) writeCount(measurement string, tags map[string]string) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, map[string]any{"count": 1}, time.Now()))
	c.pointsWritten.Add(1)
}
