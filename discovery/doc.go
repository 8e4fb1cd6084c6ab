// Package discovery builds the per-entity Home Assistant MQTT discovery payloads hqttd publishes. To minimize
// throughput to MQTT (and the storage used for retained messages), payloads use the abbreviated field names defined by
// the constants in this package.
//
// See https://www.home-assistant.io/integrations/mqtt/#supported-abbreviations-in-mqtt-discovery-messages for a full
// list of abbreviations. Not all abbreviations are provided as constants by this package.
package discovery
