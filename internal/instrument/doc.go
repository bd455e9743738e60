// Package instrument owns one addressed instrument on the bus.
//
// Ownership boundary:
// - session lifecycle (created, ready, closed)
// - setup command replay and settle delay
// - scalar, status, record and fault queries
// - make/model identification
package instrument
