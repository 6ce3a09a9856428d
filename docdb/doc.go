// Package docdb defines the document-database collaborator consumed by dbshield.
//
// The driver itself lives outside this module. dbshield only needs an opaque
// query descriptor, a way to execute it and learn its request-unit cost, item
// level writes, and a cheap liveness probe.
package docdb
