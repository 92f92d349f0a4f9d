package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"image/color"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
	"golang.org/x/crypto/bcrypt"

	"github.com/rl1809/farmigo/internal/adapter/storage"
	"github.com/rl1809/farmigo/internal/core/domain"
	"github.com/rl1809/farmigo/internal/core/service"
)

type testApp struct {
	store   *storage.MemoryAdapter
	tokens  *service.TokenMaker
	orders  *service.OrderService
	catalog *service.CatalogService
	auth    *service.AuthService
	log     logrus.FieldLogger
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(bytes.NewBuffer(nil))

	store := storage.NewMemoryAdapter()
	images, err := storage.NewLocalImageStore(t.TempDir(), "/uploads")
	if err != nil {
		t.Fatalf("image store: %v", err)
	}
	tokens := service.NewTokenMaker("handler-test-secret", time.Hour)
	ledger := service.NewStockLedger(store, time.Second, logger)
	return &testApp{
		store:   store,
		tokens:  tokens,
		orders:  service.NewOrderService(ledger, store, store, nil, logger),
		catalog: service.NewCatalogService(store, ledger, images, logger),
		auth:    service.NewAuthService(store, tokens, bcrypt.MinCost, logger),
		log:     logger,
	}
}

func (a *testApp) token(t *testing.T, name string, role domain.Role) (string, domain.User) {
	t.Helper()
	user, err := a.auth.CreateUser(context.Background(), service.Registration{
		Name:     name,
		Email:    strings.ToLower(name) + "@farmigo.test",
		Password: "secret-pass",
		Role:     role,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	token, err := a.tokens.CreateToken(user)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	return token, user
}

type HTTPHandlerSuite struct {
	suite.Suite
	app      *testApp
	router   *gin.Engine
	customer string
	farmer   string
	admin    string
}

func TestHTTPHandlerSuite(t *testing.T) {
	suite.Run(t, new(HTTPHandlerSuite))
}

func (s *HTTPHandlerSuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	s.app = newTestApp(s.T())
	reports := service.NewReportService(s.app.store, s.app.store, s.app.store, s.app.store, service.DefaultReportOptions(), s.app.log)
	h := NewHTTPHandler(s.app.orders, s.app.catalog, reports, s.app.auth, s.app.tokens, s.app.log)
	s.router = h.Router(RouterOptions{})

	s.customer, _ = s.app.token(s.T(), "Cara", domain.RoleCustomer)
	s.farmer, _ = s.app.token(s.T(), "Farid", domain.RoleFarmer)
	s.admin, _ = s.app.token(s.T(), "Ada", domain.RoleAdmin)
}

func (s *HTTPHandlerSuite) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *HTTPHandlerSuite) decodeError(w *httptest.ResponseRecorder) errorResponse {
	var resp errorResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func (s *HTTPHandlerSuite) createListing(crop string, price string, qty int) string {
	w := s.do(http.MethodPost, "/api/farmer/inventory", s.farmer, gin.H{
		"cropName": crop,
		"price":    json.Number(price),
		"quantity": qty,
	})
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		ID string `json:"id"`
	}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.ID
}

func (s *HTTPHandlerSuite) TestHealth() {
	w := s.do(http.MethodGet, "/api/health", "", nil)
	s.Equal(http.StatusOK, w.Code)
}

func (s *HTTPHandlerSuite) TestAuthRequired() {
	w := s.do(http.MethodGet, "/api/customer/market", "", nil)
	s.Equal(http.StatusUnauthorized, w.Code)
	s.Equal("Unauthorized", s.decodeError(w).Error)

	w = s.do(http.MethodGet, "/api/customer/market", "not-a-token", nil)
	s.Equal(http.StatusUnauthorized, w.Code)
}

func (s *HTTPHandlerSuite) TestRoleEnforced() {
	w := s.do(http.MethodGet, "/api/farmer/inventory", s.customer, nil)
	s.Equal(http.StatusForbidden, w.Code)
	s.Equal("Forbidden", s.decodeError(w).Error)

	w = s.do(http.MethodGet, "/api/admin/stats", s.farmer, nil)
	s.Equal(http.StatusForbidden, w.Code)

	w = s.do(http.MethodGet, "/api/customer/market", s.admin, nil)
	s.Equal(http.StatusOK, w.Code, "admins may browse the market")
}

func (s *HTTPHandlerSuite) TestRegisterAndLogin() {
	w := s.do(http.MethodPost, "/api/auth/register", "", gin.H{
		"name": "Nia", "email": "nia@farmigo.test", "password": "secret-pass", "role": "farmer",
	})
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())

	var session sessionResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &session))
	s.NotEmpty(session.Token)
	s.Equal(domain.RoleFarmer, session.User.Role)

	w = s.do(http.MethodPost, "/api/auth/register", "", gin.H{
		"name": "Root", "email": "root@farmigo.test", "password": "secret-pass", "role": "admin",
	})
	s.Equal(http.StatusForbidden, w.Code)

	w = s.do(http.MethodPost, "/api/auth/register", "", gin.H{
		"name": "Nia", "email": "nia@farmigo.test", "password": "secret-pass",
	})
	s.Equal(http.StatusConflict, w.Code)

	w = s.do(http.MethodPost, "/api/auth/login", "", gin.H{"email": "NIA@farmigo.test", "password": "secret-pass"})
	s.Equal(http.StatusOK, w.Code)

	w = s.do(http.MethodPost, "/api/auth/login", "", gin.H{"email": "nia@farmigo.test", "password": "wrong-pass"})
	s.Equal(http.StatusUnauthorized, w.Code)
}

func (s *HTTPHandlerSuite) TestPlaceOrderFlow() {
	id := s.createListing("Tomato", "2.50", 3)

	w := s.do(http.MethodPost, "/api/customer/orders", s.customer, gin.H{
		"items": []gin.H{{"inventoryId": id, "quantity": 2}},
	})
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	var placed domain.PlacedOrder
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &placed))
	s.True(decimal.RequireFromString("5.00").Equal(placed.Total))

	w = s.do(http.MethodPost, "/api/customer/orders", s.customer, gin.H{
		"items": []gin.H{{"inventoryId": id, "quantity": 2}},
	})
	s.Equal(http.StatusConflict, w.Code)
	resp := s.decodeError(w)
	s.Equal("OutOfStock", resp.Error)
	s.Equal(id, resp.InventoryID)

	w = s.do(http.MethodGet, "/api/customer/orders/"+placed.OrderID, s.customer, nil)
	s.Require().Equal(http.StatusOK, w.Code)
	var order orderDTO
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &order))
	s.Len(order.Items, 1)
	s.Equal(domain.OrderStatusCreated, order.Status)

	w = s.do(http.MethodGet, "/api/customer/orders", s.customer, nil)
	s.Equal(http.StatusOK, w.Code)
}

func (s *HTTPHandlerSuite) TestPlaceOrderRejectsBadInput() {
	id := s.createListing("Onion", "1.00", 5)

	w := s.do(http.MethodPost, "/api/customer/orders", s.customer, gin.H{"items": []gin.H{}})
	s.Equal(http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/customer/orders", s.customer, gin.H{
		"items": []gin.H{{"inventoryId": id, "quantity": 1}, {"inventoryId": id, "quantity": 1}},
	})
	s.Equal(http.StatusBadRequest, w.Code)
	s.Equal("DuplicateLine", s.decodeError(w).Error)

	w = s.do(http.MethodPost, "/api/customer/orders", s.customer, gin.H{
		"items": []gin.H{{"inventoryId": "missing", "quantity": 1}},
	})
	s.Equal(http.StatusNotFound, w.Code)
}

func (s *HTTPHandlerSuite) TestIdempotencyKeyHeader() {
	id := s.createListing("Potato", "1.00", 5)
	body, _ := json.Marshal(gin.H{"items": []gin.H{{"inventoryId": id, "quantity": 1}}})

	var ids []string
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/customer/orders", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+s.customer)
		req.Header.Set("Idempotency-Key", "retry-1")
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		s.Require().Equal(http.StatusCreated, w.Code)

		var placed domain.PlacedOrder
		s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &placed))
		ids = append(ids, placed.OrderID)
	}
	s.Equal(ids[0], ids[1])

	item, err := s.app.store.GetInventory(context.Background(), id)
	s.Require().NoError(err)
	s.Equal(4, item.Quantity)
}

func (s *HTTPHandlerSuite) TestListingLifecycle() {
	id := s.createListing("Carrot", "0.80", 10)

	w := s.do(http.MethodPut, "/api/farmer/inventory/"+id, s.farmer, gin.H{"quantityDelta": -3, "available": false})
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodGet, "/api/customer/market", s.customer, nil)
	s.Require().Equal(http.StatusOK, w.Code)
	var market struct {
		Items []inventoryDTO `json:"items"`
	}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &market))
	s.Empty(market.Items)

	w = s.do(http.MethodGet, "/api/farmer/inventory", s.farmer, nil)
	s.Require().Equal(http.StatusOK, w.Code)
	var mine struct {
		Items []inventoryDTO `json:"items"`
	}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &mine))
	s.Require().Len(mine.Items, 1)
	s.Equal(7, mine.Items[0].Quantity)
	s.Equal("Carrot", mine.Items[0].Crop.Name)

	w = s.do(http.MethodPut, "/api/farmer/inventory/"+id, s.farmer, gin.H{})
	s.Equal(http.StatusBadRequest, w.Code)

	other, _ := s.app.token(s.T(), "Olu", domain.RoleFarmer)
	w = s.do(http.MethodDelete, "/api/farmer/inventory/"+id, other, nil)
	s.Equal(http.StatusNotFound, w.Code)

	w = s.do(http.MethodDelete, "/api/farmer/inventory/"+id, s.farmer, nil)
	s.Equal(http.StatusOK, w.Code)

	w = s.do(http.MethodGet, "/api/farmer/crops", s.farmer, nil)
	s.Equal(http.StatusOK, w.Code)
	s.Contains(w.Body.String(), "Carrot")
}

func (s *HTTPHandlerSuite) TestCreateListingValidation() {
	w := s.do(http.MethodPost, "/api/farmer/inventory", s.farmer, gin.H{"cropName": "Kale", "quantity": 1})
	s.Equal(http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/farmer/inventory", s.farmer, gin.H{"cropName": "Kale", "price": 0, "quantity": 1})
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *HTTPHandlerSuite) TestCreateListingMultipart() {
	var img bytes.Buffer
	s.Require().NoError(imaging.Encode(&img, imaging.New(20, 20, color.White), imaging.PNG))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	s.Require().NoError(mw.WriteField("cropName", "Beetroot"))
	s.Require().NoError(mw.WriteField("price", "1.75"))
	s.Require().NoError(mw.WriteField("quantity", "4"))
	part, err := mw.CreateFormFile("image", "beet.png")
	s.Require().NoError(err)
	_, err = part.Write(img.Bytes())
	s.Require().NoError(err)
	s.Require().NoError(mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/farmer/inventory", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.farmer)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		ID       string `json:"id"`
		ImageURL string `json:"imageUrl"`
	}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	s.True(strings.HasPrefix(resp.ImageURL, "/uploads/"))
}

func (s *HTTPHandlerSuite) TestAdminStats() {
	id := s.createListing("Tomato", "2.00", 10)
	w := s.do(http.MethodPost, "/api/customer/orders", s.customer, gin.H{
		"items": []gin.H{{"inventoryId": id, "quantity": 3}},
	})
	s.Require().Equal(http.StatusCreated, w.Code)

	w = s.do(http.MethodGet, "/api/admin/stats", s.admin, nil)
	s.Require().Equal(http.StatusOK, w.Code)
	var stats domain.Stats
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &stats))
	s.Equal(1, stats.NumFarmers)
	s.Equal(1, stats.NumCustomers)
	s.Equal(3, stats.ItemsSold)
	s.True(decimal.RequireFromString("6.00").Equal(stats.TotalSales))
	s.Require().Len(stats.TopFarmers, 1)
	s.Equal("Farid", stats.TopFarmers[0].Name)

	w = s.do(http.MethodGet, "/api/admin/stats/export", s.admin, nil)
	s.Equal(http.StatusOK, w.Code)
	s.Equal(xlsxContentType, w.Header().Get("Content-Type"))
	s.Contains(w.Header().Get("Content-Disposition"), ".xlsx")
}

func (s *HTTPHandlerSuite) TestUnknownRoute() {
	w := s.do(http.MethodGet, "/api/nope", "", nil)
	s.Equal(http.StatusNotFound, w.Code)
	s.Equal("NotFound", s.decodeError(w).Error)
}
