package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/shopfront/internal/app/services/carts"
	svcerrors "github.com/R3E-Network/shopfront/internal/errors"
	internalhttputil "github.com/R3E-Network/shopfront/internal/httputil"
	"github.com/R3E-Network/shopfront/internal/middleware"
)

// decodeStrict decodes a JSON document, rejecting unknown fields and
// trailing data.
func decodeStrict(body []byte, dst interface{}) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return svcerrors.BadRequest("request body is empty")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return svcerrors.BadRequest("invalid JSON body: " + err.Error())
	}
	if dec.More() {
		return svcerrors.BadRequest("invalid JSON body: trailing data")
	}
	return nil
}

func (h *handler) getCart(w http.ResponseWriter, r *http.Request) {
	c, err := h.app.Carts.Get(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		internalhttputil.WriteError(w, r, err)
		return
	}
	internalhttputil.WriteSuccess(w, r, http.StatusOK, c)
}

func (h *handler) addItem(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		internalhttputil.WriteError(w, r, err)
		return
	}
	var payload struct {
		ProductID string `json:"product_id"`
		Quantity  int    `json:"quantity"`
	}
	if err := decodeStrict(body, &payload); err != nil {
		internalhttputil.WriteError(w, r, err)
		return
	}

	userID := middleware.GetUserID(r.Context())
	h.idempotent(w, r, carts.OpAddItem, body, false, func(ctx context.Context, rw http.ResponseWriter) {
		c, err := h.app.Carts.AddItem(ctx, userID, payload.ProductID, payload.Quantity)
		if err != nil {
			internalhttputil.WriteError(rw, r, err)
			return
		}
		internalhttputil.WriteSuccess(rw, r, http.StatusOK, c)
	})
}

func (h *handler) updateItem(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		internalhttputil.WriteError(w, r, err)
		return
	}
	var payload struct {
		Quantity *int `json:"quantity"`
	}
	if err := decodeStrict(body, &payload); err != nil {
		internalhttputil.WriteError(w, r, err)
		return
	}
	if payload.Quantity == nil {
		internalhttputil.WriteError(w, r, svcerrors.Validation("quantity", "quantity is required"))
		return
	}

	itemID := mux.Vars(r)["id"]
	userID := middleware.GetUserID(r.Context())
	h.idempotent(w, r, carts.OpUpdateItem+":"+itemID, body, false, func(ctx context.Context, rw http.ResponseWriter) {
		c, err := h.app.Carts.UpdateItem(ctx, userID, itemID, *payload.Quantity)
		if err != nil {
			internalhttputil.WriteError(rw, r, err)
			return
		}
		internalhttputil.WriteSuccess(rw, r, http.StatusOK, c)
	})
}

func (h *handler) removeItem(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["id"]
	userID := middleware.GetUserID(r.Context())
	h.idempotent(w, r, carts.OpRemoveItem+":"+itemID, nil, false, func(ctx context.Context, rw http.ResponseWriter) {
		c, err := h.app.Carts.RemoveItem(ctx, userID, itemID)
		if err != nil {
			internalhttputil.WriteError(rw, r, err)
			return
		}
		internalhttputil.WriteSuccess(rw, r, http.StatusOK, c)
	})
}

func (h *handler) clearCart(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	// Every clear has the same payload, so only an explicit key dedupes it.
	h.idempotent(w, r, carts.OpClearCart, nil, true, func(ctx context.Context, rw http.ResponseWriter) {
		c, err := h.app.Carts.Clear(ctx, userID)
		if err != nil {
			internalhttputil.WriteError(rw, r, err)
			return
		}
		internalhttputil.WriteSuccess(rw, r, http.StatusOK, c)
	})
}
