package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/casefab/internal/chitu"
	"github.com/imrishuroy/casefab/internal/storage"
	"github.com/imrishuroy/casefab/internal/validation"
)

func (a *API) machineByCode(c *gin.Context) {
	m, err := a.deps.Vendor.MachineByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		vendorError(c, err)
		return
	}
	if m == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "machine_not_found"})
		return
	}
	c.JSON(http.StatusOK, m)
}

func (a *API) machineProducts(c *gin.Context) {
	machineID := c.Param("machine_id")
	if !a.machineAllowed(machineID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "machine_not_allowed"})
		return
	}
	typ, err := chitu.ParseProductType(c.Query("type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_product_type", "msg": err.Error()})
		return
	}

	products, err := a.deps.Vendor.Products(c.Request.Context(), machineID, typ)
	if err != nil {
		vendorError(c, err)
		return
	}
	if products == nil {
		products = []chitu.Product{}
	}
	c.JSON(http.StatusOK, gin.H{"machine_id": machineID, "type": typ, "products": products})
}

// vendorError maps vendor failures onto gateway statuses.
func vendorError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chitu.ErrUnderDevelopment):
		c.JSON(http.StatusNotImplemented, gin.H{"error": "vendor_feature_unavailable", "msg": err.Error()})
	case errors.Is(err, chitu.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "vendor_not_found", "msg": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "vendor_timeout"})
	default:
		var apiErr *chitu.APIError
		if errors.As(err, &apiErr) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "vendor_error", "vendor_status": apiErr.Status, "msg": apiErr.Msg})
			return
		}
		internalError(c, "vendor_unreachable", err)
	}
}

func (a *API) presignUpload(c *gin.Context) {
	ctx := c.Request.Context()

	var req validation.PresignRequest
	if err := validation.BindAndValidate(c, &req, a.v); err != nil {
		return
	}
	sess, err := a.deps.Sessions.Get(ctx, req.SessionID)
	if err != nil {
		internalError(c, "session_lookup_failed", err)
		return
	}
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
		return
	}

	up, err := a.deps.Designs.PresignUpload(ctx, sess.SessionID, req.Extension)
	if errors.Is(err, storage.ErrUnsupportedType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_file_type", "msg": err.Error()})
		return
	}
	if err != nil {
		internalError(c, "presign_failed", err)
		return
	}
	c.JSON(http.StatusOK, up)
}
