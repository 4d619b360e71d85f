// Package influxdb writes Nikobus bridge counters to InfluxDB 2.x.
//
// Points are batched by influxdb-client-go and flushed in the background.
// Two measurements are written, each with a count=1 field:
//
//	nikobus_frames    kind, valid, address   one per received line
//	nikobus_commands  module, command, result  one per executed command
//
// WithTags adds site and bridge tags to every point.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB,
//	    influxdb.WithTags(map[string]string{"site": siteID, "bridge": bridgeID}))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
// The client satisfies nikobus.MetricsWriter and nikobus.CommandMetricsWriter.
package influxdb
