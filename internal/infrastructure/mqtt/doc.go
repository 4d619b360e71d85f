// Package mqtt provides the MQTT client the Nikobus bridge uses to reach
// the Gray Logic message bus.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing with QoS and retained flags
//   - Subscriptions that are restored after a reconnect
//   - An optional Last Will registered at connect time
//
// The bridge publishes module state, acks, unclaimed frames and button
// presses, and subscribes to graylogic/command/nikobus/+.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT,
//	    mqtt.WithWill(mqtt.Will{Topic: nikobus.HealthTopic(), Payload: lwt, QoS: 1, Retained: true}),
//	    mqtt.WithLogger(logger.Component("mqtt")),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
// TLS should be enabled whenever the broker is not on localhost.
package mqtt
