// ABOUTME: Admin-only HTTP handlers for maintaining users and catalog products
// ABOUTME: Writes invalidate the directory cache so listings pick up new names

package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/2389/marketchat/internal/directory"
	"github.com/2389/marketchat/internal/store"
)

// UpsertUserRequest is the JSON request body for POST /api/admin/users.
type UpsertUserRequest struct {
	ID              string `json:"id" validate:"required,max=128"`
	Username        string `json:"username" validate:"required,max=64"`
	DiscordUsername string `json:"discord_username,omitempty" validate:"omitempty,max=64"`
	DiscordAvatar   string `json:"discord_avatar,omitempty" validate:"omitempty,max=256"`
	DiscordID       string `json:"discord_id,omitempty" validate:"omitempty,max=64"`
	Role            string `json:"role,omitempty" validate:"omitempty,oneof=admin buyer seller"`
}

// UserResponse is the JSON shape of a user for admin listings.
type UserResponse struct {
	directory.Profile
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

// UpsertProductRequest is the JSON request body for POST /api/admin/products.
type UpsertProductRequest struct {
	ID       string `json:"id" validate:"required,max=128"`
	SellerID string `json:"seller_id" validate:"required,max=128"`
	Name     string `json:"name" validate:"required,max=256"`
	Price    string `json:"price" validate:"required,numeric"`
}

// ProductResponse is the JSON shape of a catalog product.
type ProductResponse struct {
	ID        string `json:"id"`
	SellerID  string `json:"seller_id"`
	Name      string `json:"name"`
	Price     string `json:"price"`
	CreatedAt string `json:"created_at"`
}

func toUserResponse(u *store.User) UserResponse {
	return UserResponse{
		Profile:   directory.ProfileFromUser(u),
		Role:      string(u.Role),
		CreatedAt: formatTimestamp(u.CreatedAt),
	}
}

func toProductResponse(p *store.Product) ProductResponse {
	return ProductResponse{
		ID:        p.ID,
		SellerID:  p.SellerID,
		Name:      p.Name,
		Price:     p.Price.StringFixed(2),
		CreatedAt: formatTimestamp(p.CreatedAt),
	}
}

// handleUpsertUser handles POST /api/admin/users.
func (g *Gateway) handleUpsertUser(w http.ResponseWriter, r *http.Request) {
	var req UpsertUserRequest
	if err := g.decodeAndValidate(w, r, &req); err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	user := &store.User{
		ID:              req.ID,
		Username:        strings.TrimSpace(req.Username),
		DiscordUsername: req.DiscordUsername,
		DiscordAvatar:   req.DiscordAvatar,
		DiscordID:       req.DiscordID,
		Role:            store.UserRole(req.Role),
	}
	if err := g.store.UpsertUser(r.Context(), user); err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	if err := g.directory.InvalidateUser(r.Context(), user.ID); err != nil {
		g.logger.Warn("failed to invalidate cached profile", "user_id", user.ID, "error", err)
	}

	stored, err := g.store.GetUser(r.Context(), user.ID)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, toUserResponse(stored))
}

// handleListUsers handles GET /api/admin/users?limit=N.
func (g *Gateway) handleListUsers(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	users, err := g.store.ListUsers(r.Context(), limit)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	response := make([]UserResponse, len(users))
	for i, u := range users {
		response[i] = toUserResponse(u)
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"users": response})
}

// handleUpsertProduct handles POST /api/admin/products.
func (g *Gateway) handleUpsertProduct(w http.ResponseWriter, r *http.Request) {
	var req UpsertProductRequest
	if err := g.decodeAndValidate(w, r, &req); err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	price, err := decimal.NewFromString(req.Price)
	if err != nil || price.IsNegative() {
		g.sendJSONError(w, http.StatusBadRequest, "price must be a non-negative decimal")
		return
	}

	product := &store.Product{
		ID:       req.ID,
		SellerID: req.SellerID,
		Name:     strings.TrimSpace(req.Name),
		Price:    price,
	}
	if err := g.store.UpsertProduct(r.Context(), product); err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	if err := g.directory.InvalidateProduct(r.Context(), product.ID); err != nil {
		g.logger.Warn("failed to invalidate cached product", "product_id", product.ID, "error", err)
	}

	stored, err := g.store.GetProduct(r.Context(), product.ID)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, toProductResponse(stored))
}

// handleListProducts handles GET /api/admin/products?seller_id=X.
func (g *Gateway) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := g.store.ListProducts(r.Context(), r.URL.Query().Get("seller_id"))
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	response := make([]ProductResponse, len(products))
	for i, p := range products {
		response[i] = toProductResponse(p)
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"products": response})
}

// handleDeleteProduct handles DELETE /api/admin/products/{id}.
func (g *Gateway) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := g.store.DeleteProduct(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "product not found")
		return
	}
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	if err := g.directory.InvalidateProduct(r.Context(), id); err != nil {
		g.logger.Warn("failed to invalidate cached product", "product_id", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}
