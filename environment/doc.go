// Package environment creates preview environments on a container platform
// whose services linger in DRAINING and INACTIVE states after deletion.
//
// Existence is always decided by an exact-name lookup that sees every
// lifecycle state. A listing of active services is never used to conclude
// that a name is free.
package environment
