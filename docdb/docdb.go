package docdb

import (
	"context"
	"errors"
)

// Sentinel errors drivers may return.
var (
	ErrNotFound  = errors.New("docdb: item not found")
	ErrConflict  = errors.New("docdb: item already exists")
	ErrThrottled = errors.New("docdb: request rate too large")
)

// Param is a named query parameter, e.g. {"@userId", "123"}.
type Param struct {
	Name  string
	Value any
}

// Query is an opaque query descriptor: text plus named parameters.
type Query struct {
	Text   string
	Params []Param
}

// NewQuery builds a Query from text and alternating name/value pairs.
// A trailing name without a value is ignored.
func NewQuery(text string, nameValues ...any) Query {
	q := Query{Text: text}
	for i := 0; i+1 < len(nameValues); i += 2 {
		name, ok := nameValues[i].(string)
		if !ok {
			continue
		}
		q.Params = append(q.Params, Param{Name: name, Value: nameValues[i+1]})
	}
	return q
}

// Record is a single document.
type Record map[string]any

// ID returns the record's "id" field when it is a string.
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// Result is the outcome of a query: the matching records and the
// provider-reported request-unit cost.
type Result struct {
	Records []Record
	Cost    float64
}

// RequestCost returns the request units charged for the query.
func (r Result) RequestCost() float64 { return r.Cost }

// Client is a live handle to the document database.
//
// Contract:
// - Concurrency: a Client is used by one caller at a time (the pool enforces this).
// - Context: every method must honor cancellation/deadlines.
// - Errors: transport and throttling failures are returned as-is.
type Client interface {
	ExecuteQuery(ctx context.Context, q Query) (Result, error)
	CreateItem(ctx context.Context, rec Record) (Record, error)
	ReplaceItem(ctx context.Context, id, partitionKey string, rec Record) (Record, error)
	DeleteItem(ctx context.Context, id, partitionKey string) error

	// Probe is a cheap liveness call used by health checks.
	Probe(ctx context.Context) error

	// Close releases the handle. Idempotent.
	Close() error
}

// Credentials identify the database account and container a factory opens
// clients against. dbshield never inspects them.
type Credentials struct {
	Endpoint  string
	Key       string
	Database  string
	Container string
}

// ClientFactory opens new clients.
type ClientFactory interface {
	OpenClient(ctx context.Context) (Client, error)
}

// ClientFactoryFunc adapts a function to ClientFactory.
type ClientFactoryFunc func(ctx context.Context) (Client, error)

// OpenClient calls f(ctx).
func (f ClientFactoryFunc) OpenClient(ctx context.Context) (Client, error) {
	return f(ctx)
}
