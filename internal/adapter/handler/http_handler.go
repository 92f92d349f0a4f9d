package handler

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/farmigo/internal/core/domain"
	"github.com/rl1809/farmigo/internal/core/service"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type HTTPHandler struct {
	orders  *service.OrderService
	catalog *service.CatalogService
	reports *service.ReportService
	auth    *service.AuthService
	tokens  *service.TokenMaker
	log     logrus.FieldLogger
}

type RouterOptions struct {
	CORSOrigins []string
	UploadDir   string
}

func NewHTTPHandler(orders *service.OrderService, catalog *service.CatalogService, reports *service.ReportService, auth *service.AuthService, tokens *service.TokenMaker, logger logrus.FieldLogger) *HTTPHandler {
	return &HTTPHandler{
		orders:  orders,
		catalog: catalog,
		reports: reports,
		auth:    auth,
		tokens:  tokens,
		log:     logger,
	}
}

func (h *HTTPHandler) Router(opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = 8 << 20

	corsConfig := cors.DefaultConfig()
	if len(opts.CORSOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = opts.CORSOrigins
	}
	corsConfig.AddAllowHeaders("Authorization", "Idempotency-Key")
	corsConfig.AddExposeHeaders("Content-Disposition")

	r.Use(cors.New(corsConfig))
	r.Use(requestLogger(h.log))
	r.Use(gin.Recovery())

	if opts.UploadDir != "" {
		r.Static("/uploads", opts.UploadDir)
	}

	api := r.Group("/api")
	api.GET("/health", h.HealthCheck)

	auth := api.Group("/auth")
	auth.POST("/register", h.Register)
	auth.POST("/login", h.Login)

	authed := api.Group("", RequireAuth(h.tokens))

	customer := authed.Group("/customer", RequireRole(domain.RoleCustomer, domain.RoleAdmin))
	customer.GET("/market", h.ListMarket)
	customer.POST("/orders", h.PlaceOrder)
	customer.GET("/orders", h.ListOrders)
	customer.GET("/orders/:id", h.GetOrder)

	farmer := authed.Group("/farmer", RequireRole(domain.RoleFarmer))
	farmer.GET("/inventory", h.ListInventory)
	farmer.GET("/crops", h.ListCrops)
	farmer.POST("/inventory", h.CreateListing)
	farmer.PUT("/inventory/:id", h.UpdateListing)
	farmer.DELETE("/inventory/:id", h.DeleteListing)

	admin := authed.Group("/admin", RequireRole(domain.RoleAdmin))
	admin.GET("/stats", h.Stats)
	admin.GET("/stats/export", h.ExportStats)

	r.NoRoute(func(c *gin.Context) {
		writeError(c, errors.Wrapf(domain.ErrNotFound, "route %s", c.Request.URL.Path))
	})
	return r
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *HTTPHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidInput(err))
		return
	}
	session, err := h.auth.Register(c.Request.Context(), service.Registration{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Role:     domain.Role(req.Role),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSessionResponse(session))
}

func (h *HTTPHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidInput(err))
		return
	}
	session, err := h.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(session))
}

func (h *HTTPHandler) ListMarket(c *gin.Context) {
	items, err := h.catalog.ListMarket(c.Request.Context(), c.Query("search"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": toInventoryDTOs(items)})
}

func (h *HTTPHandler) PlaceOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidInput(err))
		return
	}

	lines := make([]domain.LineRequest, 0, len(req.Items))
	for _, item := range req.Items {
		lines = append(lines, domain.LineRequest{InventoryID: item.InventoryID, Quantity: item.Quantity})
	}

	placed, err := h.orders.PlaceOrder(c.Request.Context(), principalFrom(c).UserID, lines, strings.TrimSpace(c.GetHeader("Idempotency-Key")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, placed)
}

func (h *HTTPHandler) ListOrders(c *gin.Context) {
	orders, err := h.orders.ListOrders(c.Request.Context(), principalFrom(c).UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]orderDTO, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderDTO(o))
	}
	c.JSON(http.StatusOK, gin.H{"orders": out})
}

func (h *HTTPHandler) GetOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), principalFrom(c).UserID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderDTO(order))
}

func (h *HTTPHandler) ListInventory(c *gin.Context) {
	items, err := h.catalog.ListFarmerInventory(c.Request.Context(), principalFrom(c).UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": toInventoryDTOs(items)})
}

func (h *HTTPHandler) ListCrops(c *gin.Context) {
	crops, err := h.catalog.ListCrops(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]cropDTO, 0, len(crops))
	for _, crop := range crops {
		out = append(out, cropDTO{ID: crop.ID, Name: crop.Name, Description: crop.Description})
	}
	c.JSON(http.StatusOK, gin.H{"crops": out})
}

func (h *HTTPHandler) CreateListing(c *gin.Context) {
	var in service.NewListing
	if isMultipart(c) {
		price, err := decimal.NewFromString(strings.TrimSpace(c.PostForm("price")))
		if err != nil {
			writeError(c, errors.Wrap(domain.ErrInvalidInput, "price must be a number"))
			return
		}
		qty, err := strconv.Atoi(strings.TrimSpace(c.PostForm("quantity")))
		if err != nil {
			writeError(c, errors.Wrap(domain.ErrInvalidInput, "quantity must be an integer"))
			return
		}
		in = service.NewListing{CropName: c.PostForm("cropName"), Price: price, Quantity: qty, ImageURL: c.PostForm("imageUrl")}

		image, closeImage, err := formImage(c)
		if err != nil {
			writeError(c, err)
			return
		}
		defer closeImage()
		in.Image = image
	} else {
		var req createListingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, invalidInput(err))
			return
		}
		in = service.NewListing{CropName: req.CropName, Price: *req.Price, Quantity: *req.Quantity, ImageURL: req.ImageURL}
	}

	item, err := h.catalog.CreateListing(c.Request.Context(), principalFrom(c).UserID, in)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"id": item.ID}
	if item.ImageURL != "" {
		resp["imageUrl"] = item.ImageURL
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *HTTPHandler) UpdateListing(c *gin.Context) {
	var (
		patch domain.ListingPatch
		image *service.ImageUpload
	)
	if isMultipart(c) {
		var err error
		if patch, err = formPatch(c); err != nil {
			writeError(c, err)
			return
		}
		var closeImage func()
		image, closeImage, err = formImage(c)
		if err != nil {
			writeError(c, err)
			return
		}
		defer closeImage()
	} else {
		var req updateListingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, invalidInput(err))
			return
		}
		patch = domain.ListingPatch{
			Price:         req.Price,
			Quantity:      req.Quantity,
			QuantityDelta: req.QuantityDelta,
			Available:     req.Available,
			ImageURL:      req.ImageURL,
		}
	}
	if patch.Empty() && image == nil {
		writeError(c, errors.Wrap(domain.ErrInvalidInput, "nothing to update"))
		return
	}

	item, err := h.catalog.UpdateListing(c.Request.Context(), principalFrom(c).UserID, c.Param("id"), patch, image)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"status": "updated"}
	if item.ImageURL != "" {
		resp["imageUrl"] = item.ImageURL
	}
	c.JSON(http.StatusOK, resp)
}

func (h *HTTPHandler) DeleteListing(c *gin.Context) {
	if err := h.catalog.DeleteListing(c.Request.Context(), principalFrom(c).UserID, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *HTTPHandler) Stats(c *gin.Context) {
	stats, err := h.reports.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *HTTPHandler) ExportStats(c *gin.Context) {
	var buf bytes.Buffer
	if err := h.reports.ExportStats(c.Request.Context(), &buf); err != nil {
		writeError(c, err)
		return
	}
	filename := "farmigo-stats-" + time.Now().UTC().Format("2006-01-02") + ".xlsx"
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

func isMultipart(c *gin.Context) bool {
	return c.ContentType() == "multipart/form-data"
}

// formImage returns the optional "image" part. The returned func closes it.
func formImage(c *gin.Context) (*service.ImageUpload, func(), error) {
	fh, err := c.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, func() {}, nil
	}
	if err != nil {
		return nil, func() {}, invalidInput(err)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, func() {}, invalidInput(err)
	}
	return &service.ImageUpload{Filename: fh.Filename, Body: f}, func() { f.Close() }, nil
}

func formPatch(c *gin.Context) (domain.ListingPatch, error) {
	var patch domain.ListingPatch
	if v, ok := c.GetPostForm("price"); ok {
		price, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return patch, errors.Wrap(domain.ErrInvalidInput, "price must be a number")
		}
		patch.Price = &price
	}
	if v, ok := c.GetPostForm("quantity"); ok {
		qty, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return patch, errors.Wrap(domain.ErrInvalidInput, "quantity must be an integer")
		}
		patch.Quantity = &qty
	}
	if v, ok := c.GetPostForm("quantityDelta"); ok {
		delta, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return patch, errors.Wrap(domain.ErrInvalidInput, "quantityDelta must be an integer")
		}
		patch.QuantityDelta = &delta
	}
	if v, ok := c.GetPostForm("available"); ok {
		available, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return patch, errors.Wrap(domain.ErrInvalidInput, "available must be a boolean")
		}
		patch.Available = &available
	}
	if v, ok := c.GetPostForm("imageUrl"); ok {
		patch.ImageURL = &v
	}
	return patch, nil
}
