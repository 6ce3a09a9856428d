// Package config loads the dbshield YAML configuration file.
//
// Values may reference environment variables as ${VAR}; every referenced
// variable must be set. The database key may also be a secret reference
// such as "secretref:env:DB_KEY" or "secretref:file:db-key", resolved by
// ResolveCredentials so the plain key never sits in the file.
//
//	server:
//	  addr: ":8080"
//	database:
//	  endpoint: ${DB_ENDPOINT}
//	  key: secretref:env:DB_KEY
//	  container: threads
//	  partition_field: userId
//	cache:
//	  capacity: 1000
//	  policy:
//	    default_ttl: 5m
//	pool:
//	  min_size: 2
//	  max_size: 10
//	breaker:
//	  failure_threshold: 5
//	  timeout: 60s
//	secrets:
//	  providers:
//	    env: {}
//	    file:
//	      dir: /run/secrets
package config
