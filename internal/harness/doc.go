// Package harness runs scripted coordinator scenarios.
//
// A scenario drives one document coordinator against a recording
// collaborator. Each step either answers the outstanding persistence command
// or delivers a message to the coordinator, so every interleaving of
// requests and responses can be written down and replayed exactly.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: update_failure_resyncs
//	description: "An update failure triggers recovery"
//	entity: 1
//	steps:
//	  - respond: success        # answer the latest command
//	    entity: { title: dune }
//	  - persist: { title: dune messiah }
//	  - respond: failure
//	    cause: disk full
//	  - respond: update_success # any response kind by name
//	    to: 0                   # answer command 0 instead of the latest
//	  - remove: true
//	  - tell: hello             # a plain message, recorded when received
//	expect:
//	  state: settled
//	  present: true
//	  entity: { title: dune }
//	  pending: 0
//	  buffered: 0
//	  commands: [recover, update, recover]
//
// # Determinism
//
// The coordinator runs synchronously with its own sequence clock and the
// identity testutil.ID(entity), so the trace of a scenario is identical on
// every run and is compared against testdata/golden with goldie.
package harness
