package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxFromContext(t *testing.T) {
	assert.Nil(t, TxFromContext(context.Background()))

	ctx := context.WithValue(context.Background(), DBTxKey, "not-a-tx")
	assert.Nil(t, TxFromContext(ctx))
}

func TestWithTxRequiresConnection(t *testing.T) {
	ctx, tx, err := WithTx(context.Background())
	require.ErrorIs(t, err, ErrNoConnection)
	assert.Equal(t, "no database connection in context", err.Error())
	assert.Nil(t, tx)
	assert.Nil(t, TxFromContext(ctx))
}
