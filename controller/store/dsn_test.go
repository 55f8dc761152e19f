package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImmediateTransactions(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"deb-ci.db", "deb-ci.db?_txlock=immediate"},
		{"file:deb-ci.db?_busy_timeout=5000", "file:deb-ci.db?_busy_timeout=5000&_txlock=immediate"},
		{"file:deb-ci.db?_txlock=deferred", "file:deb-ci.db?_txlock=immediate"},
		{"file:deb-ci.db?_txlock=exclusive", "file:deb-ci.db?_txlock=exclusive"},
	}
	for _, test := range tests {
		t.Run(test.dsn, func(t *testing.T) {
			dsn, err := immediateTransactions(test.dsn)
			require.NoError(t, err)
			assert.Equal(t, test.want, dsn)
		})
	}
}

func TestOpenRejectsOtherDrivers(t *testing.T) {
	_, err := Open("postgres", "postgres://localhost/deb-ci")
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}
