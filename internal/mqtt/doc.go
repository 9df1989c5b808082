// Package mqtt forwards toolrelay's operational events to an MQTT
// broker so dashboards and home-automation systems can watch tool
// activity and server health without polling.
//
// Every event published on the in-process bus is sent (QoS 0, not
// retained) to {prefix}/events/{source}/{kind} as JSON. A retained
// status document with daily call counters and the active server list
// is refreshed periodically on {prefix}/status.
//
// The forwarder uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained birth message ("online") to the
// availability topic; a will message flips it to "offline" on
// unexpected disconnects.
package mqtt
