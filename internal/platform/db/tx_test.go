package db

import (
	"context"
	"testing"
)

func TestTxFromContext_Nil(t *testing.T) {
	tx := TxFromContext(context.Background())
	if tx != nil {
		t.Errorf("expected nil transaction from empty context, got %v", tx)
	}
}

func TestTxFromContext_WithWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), txContextKey{}, "not-a-tx")
	tx := TxFromContext(ctx)
	if tx != nil {
		t.Errorf("expected nil for wrong value type, got %v", tx)
	}
}
