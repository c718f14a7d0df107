package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/shopfront/internal/app/services/products"
	svcerrors "github.com/R3E-Network/shopfront/internal/errors"
	internalhttputil "github.com/R3E-Network/shopfront/internal/httputil"
)

func (h *handler) listProducts(w http.ResponseWriter, r *http.Request) {
	h.writeProductPage(w, r, false)
}

// listAllProducts includes inactive products for administrators.
func (h *handler) listAllProducts(w http.ResponseWriter, r *http.Request) {
	h.writeProductPage(w, r, true)
}

func (h *handler) writeProductPage(w http.ResponseWriter, r *http.Request, includeAll bool) {
	page, err := queryInt(r, "page")
	if err != nil {
		internalhttputil.WriteError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		internalhttputil.WriteError(w, r, err)
		return
	}

	result, err := h.app.Products.List(r.Context(), products.ListParams{
		Search:     r.URL.Query().Get("search"),
		Page:       page,
		Limit:      limit,
		IncludeAll: includeAll,
	})
	if err != nil {
		internalhttputil.WriteError(w, r, err)
		return
	}
	internalhttputil.WriteSuccess(w, r, http.StatusOK, result)
}

func (h *handler) getProduct(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, err := h.app.Products.Get(r.Context(), id)
	if err == nil && !p.Active {
		// Inactive products are hidden from the public catalogue.
		err = svcerrors.NotFound("Product", id)
	}
	if err != nil {
		internalhttputil.WriteError(w, r, err)
		return
	}
	internalhttputil.WriteSuccess(w, r, http.StatusOK, p)
}

func (h *handler) createProduct(w http.ResponseWriter, r *http.Request) {
	var in products.Input
	if err := internalhttputil.DecodeJSON(w, r, &in); err != nil {
		internalhttputil.WriteError(w, r, err)
		return
	}
	p, err := h.app.Products.Create(r.Context(), in)
	if err != nil {
		internalhttputil.WriteError(w, r, err)
		return
	}
	internalhttputil.WriteSuccess(w, r, http.StatusCreated, p)
}

func (h *handler) updateProduct(w http.ResponseWriter, r *http.Request) {
	var in products.Input
	if err := internalhttputil.DecodeJSON(w, r, &in); err != nil {
		internalhttputil.WriteError(w, r, err)
		return
	}
	p, err := h.app.Products.Update(r.Context(), mux.Vars(r)["id"], in)
	if err != nil {
		internalhttputil.WriteError(w, r, err)
		return
	}
	internalhttputil.WriteSuccess(w, r, http.StatusOK, p)
}
