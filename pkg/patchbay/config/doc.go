/*
Package config loads engine settings from YAML or JSON.

Config wraps a decoded document and provides typed accessors that fall back
to a default when a key is missing or holds the wrong type. Engine is the
decoded, validated engine configuration:

	eng, err := config.LoadEngine("patchbay.yaml")

A complete document:

	engine:
	  tick_interval: 10ms
	  sample_rate: 48000
	  tempo: 120
	  event_buffer: 64
	  log_buffer: 256
	  log_db: ./instance-logs.db
	  log_level: debug
	  metrics: true
	  tracing: false

Keys may also appear at the top level without the engine section. Unknown
keys are rejected. LoadEngine expands $VAR references from the environment, so
log_db: ${XDG_STATE_HOME}/patchbay/logs.db works as expected.
*/
package config
