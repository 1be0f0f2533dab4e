package db

import (
	"testing"

	"github.com/smallbiznis/payrail/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialect(t *testing.T) {
	for _, dbType := range []string{"postgres", "sqlite"} {
		d, err := Dialect(config.Config{DBType: dbType, DBName: "payrail"})
		require.NoError(t, err, dbType)
		assert.Equal(t, dbType, d.Name())
	}

	_, err := Dialect(config.Config{DBType: "mysql"})
	assert.ErrorContains(t, err, `unsupported database type "mysql"`)
}
