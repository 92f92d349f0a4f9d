package handler

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/farmigo/internal/core/domain"
	"github.com/rl1809/farmigo/internal/core/service"
)

// JSONCodecName is the content subtype clients must request, e.g. with
// grpc.CallContentSubtype(handler.JSONCodecName).
const JSONCodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return JSONCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type PlaceOrderRequest struct {
	Items          []orderItemRequest `json:"items"`
	IdempotencyKey string             `json:"idempotencyKey,omitempty"`
}

type PlaceOrderResponse struct {
	OrderID string          `json:"orderId"`
	Total   decimal.Decimal `json:"total"`
}

type ListMarketRequest struct {
	Search string `json:"search,omitempty"`
}

type ListMarketResponse struct {
	Items []inventoryDTO `json:"items"`
}

type OrderServiceServer interface {
	PlaceOrder(context.Context, *PlaceOrderRequest) (*PlaceOrderResponse, error)
	ListMarket(context.Context, *ListMarketRequest) (*ListMarketResponse, error)
}

var OrderServiceDesc = grpc.ServiceDesc{
	ServiceName: "farmigo.OrderService",
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PlaceOrder", Handler: placeOrderHandler},
		{MethodName: "ListMarket", Handler: listMarketHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "farmigo/order_service",
}

func RegisterOrderServiceServer(s grpc.ServiceRegistrar, srv OrderServiceServer) {
	s.RegisterService(&OrderServiceDesc, srv)
}

func placeOrderHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PlaceOrderRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrderServiceServer).PlaceOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/farmigo.OrderService/PlaceOrder"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(OrderServiceServer).PlaceOrder(ctx, req.(*PlaceOrderRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func listMarketHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListMarketRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrderServiceServer).ListMarket(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/farmigo.OrderService/ListMarket"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(OrderServiceServer).ListMarket(ctx, req.(*ListMarketRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// OrderServiceClient calls farmigo.OrderService over the JSON codec.
type OrderServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewOrderServiceClient(cc grpc.ClientConnInterface) *OrderServiceClient {
	return &OrderServiceClient{cc: cc}
}

func (c *OrderServiceClient) PlaceOrder(ctx context.Context, in *PlaceOrderRequest, opts ...grpc.CallOption) (*PlaceOrderResponse, error) {
	out := new(PlaceOrderResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/farmigo.OrderService/PlaceOrder", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderServiceClient) ListMarket(ctx context.Context, in *ListMarketRequest, opts ...grpc.CallOption) (*ListMarketResponse, error) {
	out := new(ListMarketResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/farmigo.OrderService/ListMarket", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type GRPCHandler struct {
	orders  *service.OrderService
	catalog *service.CatalogService
	tokens  *service.TokenMaker
	log     logrus.FieldLogger
}

func NewGRPCHandler(orders *service.OrderService, catalog *service.CatalogService, tokens *service.TokenMaker, logger logrus.FieldLogger) *GRPCHandler {
	return &GRPCHandler{orders: orders, catalog: catalog, tokens: tokens, log: logger}
}

func (h *GRPCHandler) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*PlaceOrderResponse, error) {
	principal, err := h.authorize(ctx)
	if err != nil {
		return nil, err
	}

	lines := make([]domain.LineRequest, 0, len(req.Items))
	for _, item := range req.Items {
		lines = append(lines, domain.LineRequest{InventoryID: item.InventoryID, Quantity: item.Quantity})
	}
	placed, err := h.orders.PlaceOrder(ctx, principal.UserID, lines, req.IdempotencyKey)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &PlaceOrderResponse{OrderID: placed.OrderID, Total: placed.Total}, nil
}

func (h *GRPCHandler) ListMarket(ctx context.Context, req *ListMarketRequest) (*ListMarketResponse, error) {
	if _, err := h.authorize(ctx); err != nil {
		return nil, err
	}
	items, err := h.catalog.ListMarket(ctx, req.Search)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &ListMarketResponse{Items: toInventoryDTOs(items)}, nil
}

func (h *GRPCHandler) authorize(ctx context.Context) (domain.Principal, error) {
	var header string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("authorization"); len(v) > 0 {
			header = v[0]
		}
	}
	principal, err := bearerPrincipal(h.tokens, header)
	if err != nil {
		return domain.Principal{}, h.toStatus(err)
	}
	if principal.Role != domain.RoleCustomer && principal.Role != domain.RoleAdmin {
		return domain.Principal{}, h.toStatus(errors.Wrapf(domain.ErrForbidden, "role %s", principal.Role))
	}
	return principal, nil
}

var kindCode = map[string]codes.Code{
	"InvalidInput":    codes.InvalidArgument,
	"DuplicateLine":   codes.InvalidArgument,
	"InvalidQuantity": codes.InvalidArgument,
	"NotFound":        codes.NotFound,
	"OutOfStock":      codes.FailedPrecondition,
	"Unavailable":     codes.FailedPrecondition,
	"Conflict":        codes.Aborted,
	"Unauthorized":    codes.Unauthenticated,
	"Forbidden":       codes.PermissionDenied,
	"Timeout":         codes.DeadlineExceeded,
	"StorageFailure":  codes.Unavailable,
}

func (h *GRPCHandler) toStatus(err error) error {
	kind := domain.KindOf(err)
	code, ok := kindCode[kind]
	if !ok {
		code = codes.Unavailable
	}
	if code == codes.Unavailable {
		h.log.WithError(err).Error("grpc request failed")
		return status.Error(code, kind)
	}
	msg := kind + ": " + err.Error()
	if id, ok := domain.LineOf(err); ok {
		msg = kind + " (inventory " + id + "): " + err.Error()
	}
	return status.Error(code, msg)
}

var _ OrderServiceServer = (*GRPCHandler)(nil)
