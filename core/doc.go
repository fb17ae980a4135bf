// Package core defines the shared data model of the conversation engine:
// sessions, messages, personas, settings and the conversation state machine.
// Higher layers (strategy, recovery, store, coordinator) depend on core and
// never the other way around.
package core
