// Package mqtt forwards operational events from the in-process bus to an
// MQTT broker so dashboards and home automation can follow what the
// assistant is doing.
//
// The forwarder uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes a retained birth message ("online") to the availability
// topic; a will message flips it to "offline" on unexpected disconnects.
// Each bus event is published as JSON to
// <prefix>/events/<source>/<kind>, and daily usage counters are published
// retained to <prefix>/stats on a fixed interval.
package mqtt
