package engine

import "fmt"

// DBCmd is a database command, every store defines its commands in its own range
type DBCmd int

// Query keeps sql text of a command for each supported engine
type Query struct {
	Sqlite   string
	Postgres string
}

// For returns the query text for the engine type
func (q Query) For(dbType Type) (string, error) {
	switch dbType {
	case Sqlite:
		return q.Sqlite, nil
	case Postgres:
		return q.Postgres, nil
	default:
		return "", fmt.Errorf("unsupported database type %q", dbType)
	}
}

// QueryMap maps commands to their queries. Filled once on init, read-only after that.
type QueryMap map[DBCmd]Query

// NewQueryMap makes an empty QueryMap
func NewQueryMap() QueryMap { return QueryMap{} }

// Add sets engine-specific queries for the command
func (q QueryMap) Add(cmd DBCmd, query Query) QueryMap {
	q[cmd] = query
	return q
}

// AddSame sets one query for all engines
func (q QueryMap) AddSame(cmd DBCmd, query string) QueryMap {
	return q.Add(cmd, Query{Sqlite: query, Postgres: query})
}

// Has reports whether the command is in the map
func (q QueryMap) Has(cmd DBCmd) bool {
	_, ok := q[cmd]
	return ok
}

// Pick returns the query of the command for the engine type
func (q QueryMap) Pick(dbType Type, cmd DBCmd) (string, error) {
	query, ok := q[cmd]
	if !ok {
		return "", fmt.Errorf("unsupported command %d", cmd)
	}
	return query.For(dbType)
}
