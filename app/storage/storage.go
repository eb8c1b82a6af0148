// Package storage provides persistent stores on top of the sql engine.
// Each table is represented by a struct with methods implementing business logic for its data type.
// Both sqlite and postgres are supported, queries are picked per engine type from the query maps.
package storage
