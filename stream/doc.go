// Package stream fans engine events out to live subscribers such as the
// HTTP event stream.
//
// A Broker attaches to an event.Bus and routes each event to the topics it
// touches: the organization's "all" topic, the instance topic and, for
// entity changes, the entity topic. Every subscriber belongs to exactly one
// organization and only ever receives that organization's events, whatever
// topics it asks for.
//
// Delivery never blocks the bus. Each subscriber has a bounded buffer and a
// credit budget; events that find no credit or no buffer space are dropped
// and counted.
package stream
