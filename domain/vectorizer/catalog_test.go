package vectorizer

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUsableEstimate(t *testing.T) {
	assert.True(t, usableEstimate(sql.NullFloat64{Valid: true, Float64: 12}))
	assert.True(t, usableEstimate(sql.NullFloat64{Valid: true, Float64: 0.5}))

	// -1 means never analyzed; 0 can mean "analyzed while empty" with rows
	// enqueued since, so neither may gate a run.
	assert.False(t, usableEstimate(sql.NullFloat64{Valid: true, Float64: -1}))
	assert.False(t, usableEstimate(sql.NullFloat64{Valid: true, Float64: 0}))
	assert.False(t, usableEstimate(sql.NullFloat64{}))
}
