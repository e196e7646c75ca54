package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSchemaCoversTables(t *testing.T) {
	assert.Len(t, schema, len(Tables))
	for i, table := range Tables {
		assert.Contains(t, schema[i], "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
}

func TestDropUnknownTable(t *testing.T) {
	err := Drop(nil, "users")
	assert.ErrorContains(t, err, "unknown table")
}
