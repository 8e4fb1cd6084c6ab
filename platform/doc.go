// Package platform contains the entities hqttd exposes to Home Assistant, grouped by the Home Assistant MQTT platform
// they are discovered as (button, switch, select) plus raw command APIs. See the Home Assistant docs for the platforms
// themselves: https://www.home-assistant.io/integrations/mqtt.
//
// Entities never talk to the operating system directly. Each one is built on a small collaborator interface (Sleeper,
// MonitorActuator, AudioManager, Process) that is implemented elsewhere, for example by package hook.
package platform
