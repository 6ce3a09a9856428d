// Package secret resolves database credentials referenced from configuration.
//
// Configuration values may embed environment variables (${VAR}) and secret
// references of the form
//
//	secretref:<provider>:<ref>
//
// for example "secretref:env:COSMOS_KEY" or "secretref:file:/var/run/secrets/db-key".
// A reference may make up the whole value or appear inline, as in
// "AccountKey=secretref:env:COSMOS_KEY;".
//
// Providers must never log the values they return.
package secret
