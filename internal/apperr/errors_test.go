package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("checkout: %w", InsufficientStock(1, "Mug", 2, 5))

	assert.True(t, errors.Is(err, ErrInsufficientStock))
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestCodes(t *testing.T) {
	assert.Equal(t, http.StatusUnprocessableEntity, Validation(nil).Code())
	assert.Equal(t, http.StatusNotFound, NotFound("Order").Code())
	assert.Equal(t, http.StatusBadRequest, ErrDuplicatePayment.Code())
	assert.Equal(t, http.StatusUnauthorized, ErrUnauthorized.Code())
	assert.Equal(t, http.StatusInternalServerError, Gateway("x", nil, true).Code())
	assert.Equal(t, http.StatusConflict, ErrConflict.Code())
	assert.Equal(t, http.StatusInternalServerError, InvalidPayload(nil).Code())
}

func TestAsWrapsUnknownErrors(t *testing.T) {
	raw := errors.New("disk on fire")
	e := As(raw)

	assert.Equal(t, KindInternal, e.Kind)
	assert.ErrorIs(t, e, raw)
	assert.Equal(t, http.StatusInternalServerError, e.Code())
}

func TestInsufficientStockMessage(t *testing.T) {
	e := InsufficientStock(7, "Kopi", 3, 4)
	assert.Equal(t, "Product 'Kopi' only has 3 items in stock", e.Error())
	assert.Equal(t, int64(3), e.Data.(map[string]any)["available"])
}
