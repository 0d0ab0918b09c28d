// Package config loads the flowkeeper configuration.
//
// A configuration file is YAML, or CUE when it ends in .cue. Either way it is
// decoded on top of Default, environment overrides are applied and the result
// is validated with struct tags plus the rules that span sections.
//
// # Example
//
//	store:
//	  path: /var/lib/flowkeeper/flows.db
//	engine:
//	  sweep_interval: 30s
//	  retry:
//	    max_attempts: 5
//	gateway:
//	  kind: ovs
//	  bridges:
//	    - device: s1
//	      bridge: br0
//	      local: true
//	      sudo: true
//	    - device: s2
//	      bridge: br0
//	      ssh:
//	        host: 10.0.0.2
//	        user: ops
//	        private_key_path: /etc/flowkeeper/id_ed25519
//	topology:
//	  devices:
//	    - id: s1
//	      colour: "02:00:00:00:00:01"
//	    - id: s2
//	      colour: "02:00:00:00:00:02"
//	  links:
//	    - {a: s1, b: s2}
//	intents:
//	  dir: /etc/flowkeeper/intents.d
//
// The same file in CUE:
//
//	store: path: "/var/lib/flowkeeper/flows.db"
//	engine: sweep_interval: "30s"
//	gateway: kind: "memory"
//
// FLOWKEEPER_STORE_PATH and FLOWKEEPER_LOG_LEVEL override the file.
package config
