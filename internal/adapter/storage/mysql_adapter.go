package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/rl1809/farmigo/internal/core/domain"
	"github.com/rl1809/farmigo/internal/port"
)

const selectInventory = `
	SELECT i.id, i.farmer_id, i.crop_id, c.name AS crop_name, i.price, i.quantity,
	       i.available, i.image_url, i.version, i.created_at, i.updated_at
	FROM inventory i
	JOIN crops c ON c.id = i.crop_id`

type MySQLAdapter struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: sqlx.NewDb(db, "mysql"), now: time.Now}
}

// MutateInventory locks the row with SELECT ... FOR UPDATE so concurrent
// reservations and farmer edits on the same row run one after another.
// Failures before COMMIT leave nothing behind and are marked transient.
func (m *MySQLAdapter) MutateInventory(ctx context.Context, inventoryID string, fn func(item *domain.InventoryItem) error) (domain.InventoryItem, error) {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.InventoryItem{}, transient(classify(err, "begin tx"))
	}
	defer tx.Rollback()

	var item domain.InventoryItem
	err = tx.GetContext(ctx, &item, selectInventory+` WHERE i.id = ? FOR UPDATE OF i`, inventoryID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.InventoryItem{}, errors.Wrapf(domain.ErrNotFound, "inventory %s", inventoryID)
	}
	if err != nil {
		return domain.InventoryItem{}, transient(classify(err, "lock inventory"))
	}

	if err := fn(&item); err != nil {
		return domain.InventoryItem{}, err
	}
	if item.Quantity < 0 {
		return domain.InventoryItem{}, errors.Wrapf(domain.ErrInvalidQuantity, "quantity %d", item.Quantity)
	}
	item.Version++
	item.UpdatedAt = m.now().UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE inventory
		SET price = ?, quantity = ?, available = ?, image_url = ?, version = ?, updated_at = ?
		WHERE id = ?`,
		item.Price, item.Quantity, item.Available, item.ImageURL, item.Version, item.UpdatedAt, item.ID,
	)
	if err != nil {
		return domain.InventoryItem{}, transient(classify(err, "update inventory"))
	}

	if err := tx.Commit(); err != nil {
		return domain.InventoryItem{}, classify(err, "commit inventory")
	}
	return item, nil
}

func (m *MySQLAdapter) EnsureCrop(ctx context.Context, name string) (domain.Crop, error) {
	key := strings.ToLower(name)
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO crops (id, name, name_key, description) VALUES (?, ?, ?, '')
		ON DUPLICATE KEY UPDATE name_key = name_key`,
		uuid.NewString(), name, key,
	)
	if err != nil {
		return domain.Crop{}, classify(err, "insert crop")
	}

	var crop domain.Crop
	err = m.db.GetContext(ctx, &crop, `SELECT id, name, description FROM crops WHERE name_key = ?`, key)
	if err != nil {
		return domain.Crop{}, classify(err, "query crop")
	}
	return crop, nil
}

func (m *MySQLAdapter) ListCrops(ctx context.Context) ([]domain.Crop, error) {
	crops := []domain.Crop{}
	if err := m.db.SelectContext(ctx, &crops, `SELECT id, name, description FROM crops ORDER BY name`); err != nil {
		return nil, classify(err, "query crops")
	}
	return crops, nil
}

func (m *MySQLAdapter) CreateInventory(ctx context.Context, item domain.InventoryItem) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO inventory (id, farmer_id, crop_id, price, quantity, available, image_url, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.FarmerID, item.CropID, item.Price, item.Quantity, item.Available,
		item.ImageURL, item.Version, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return classify(err, "insert inventory")
	}
	return nil
}

func (m *MySQLAdapter) GetInventory(ctx context.Context, inventoryID string) (domain.InventoryItem, error) {
	var item domain.InventoryItem
	err := m.db.GetContext(ctx, &item, selectInventory+` WHERE i.id = ?`, inventoryID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.InventoryItem{}, errors.Wrapf(domain.ErrNotFound, "inventory %s", inventoryID)
	}
	if err != nil {
		return domain.InventoryItem{}, classify(err, "query inventory")
	}
	return item, nil
}

func (m *MySQLAdapter) ListInventory(ctx context.Context, filter domain.InventoryFilter) ([]domain.InventoryItem, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.FarmerID != "" {
		where = append(where, "i.farmer_id = ?")
		args = append(args, filter.FarmerID)
	}
	if filter.AvailableOnly {
		where = append(where, "i.available = 1")
	}
	if filter.Search != "" {
		where = append(where, `c.name_key LIKE ? ESCAPE '\\'`)
		args = append(args, "%"+escapeLike(strings.ToLower(filter.Search))+"%")
	}

	query := selectInventory
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY i.created_at DESC, i.id"

	items := []domain.InventoryItem{}
	if err := m.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, classify(err, "query inventory")
	}
	return items, nil
}

func (m *MySQLAdapter) DeleteInventory(ctx context.Context, farmerID, inventoryID string) error {
	result, err := m.db.ExecContext(ctx, `DELETE FROM inventory WHERE id = ? AND farmer_id = ?`, inventoryID, farmerID)
	if err != nil {
		return classify(err, "delete inventory")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.Wrapf(domain.ErrNotFound, "inventory %s", inventoryID)
	}
	return nil
}

func (m *MySQLAdapter) CountListings(ctx context.Context, availableOnly bool) (int, error) {
	query := `SELECT COUNT(*) FROM inventory`
	if availableOnly {
		query += ` WHERE available = 1`
	}
	var n int
	if err := m.db.GetContext(ctx, &n, query); err != nil {
		return 0, classify(err, "count inventory")
	}
	return n, nil
}

// CreateOrder writes the order header and its lines in one transaction.
func (m *MySQLAdapter) CreateOrder(ctx context.Context, order domain.Order) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return transient(classify(err, "begin tx"))
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, customer_id, status, total, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		order.ID, order.CustomerID, order.Status, order.Total, order.CreatedAt,
	)
	if err != nil {
		return transient(classify(err, "insert order"))
	}

	for i, line := range order.Lines {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_lines (order_id, line_no, inventory_id, farmer_id, crop_name, quantity, unit_price)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			order.ID, i+1, line.InventoryID, line.FarmerID, line.CropName, line.Quantity, line.UnitPrice,
		)
		if err != nil {
			return transient(classify(err, "insert order line"))
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(err, "commit order")
	}
	return nil
}

func (m *MySQLAdapter) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	orders, err := m.queryOrders(ctx, `WHERE o.id = ?`, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if len(orders) == 0 {
		return domain.Order{}, errors.Wrapf(domain.ErrNotFound, "order %s", orderID)
	}
	return orders[0], nil
}

func (m *MySQLAdapter) ListOrdersByCustomer(ctx context.Context, customerID string) ([]domain.Order, error) {
	return m.queryOrders(ctx, `WHERE o.customer_id = ?`, customerID)
}

func (m *MySQLAdapter) ListOrdersSince(ctx context.Context, since time.Time) ([]domain.Order, error) {
	return m.queryOrders(ctx, `WHERE o.created_at >= ?`, since)
}

// queryOrders reads headers and lines inside one read-only transaction so
// both come from the same InnoDB snapshot.
func (m *MySQLAdapter) queryOrders(ctx context.Context, where string, arg interface{}) ([]domain.Order, error) {
	tx, err := m.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, classify(err, "begin tx")
	}
	defer tx.Rollback()

	orders := []domain.Order{}
	err = tx.SelectContext(ctx, &orders, `
		SELECT o.id, o.customer_id, o.status, o.total, o.created_at
		FROM orders o `+where+` ORDER BY o.created_at DESC, o.id`, arg)
	if err != nil {
		return nil, classify(err, "query orders")
	}
	if len(orders) == 0 {
		return orders, nil
	}

	var lines []domain.OrderLine
	err = tx.SelectContext(ctx, &lines, `
		SELECT l.order_id, l.inventory_id, l.farmer_id, l.crop_name, l.quantity, l.unit_price
		FROM order_lines l
		JOIN orders o ON o.id = l.order_id `+where+` ORDER BY l.order_id, l.line_no`, arg)
	if err != nil {
		return nil, classify(err, "query order lines")
	}

	index := make(map[string]int, len(orders))
	for i := range orders {
		index[orders[i].ID] = i
	}
	for _, l := range lines {
		if i, ok := index[l.OrderID]; ok {
			orders[i].Lines = append(orders[i].Lines, l)
		}
	}
	return orders, nil
}

func (m *MySQLAdapter) CreateUser(ctx context.Context, user domain.User) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, role, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Name, user.Email, user.PasswordHash, user.Role, user.CreatedAt,
	)
	if err != nil {
		return classify(err, "insert user")
	}
	return nil
}

func (m *MySQLAdapter) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	var user domain.User
	err := m.db.GetContext(ctx, &user, `
		SELECT id, name, email, password_hash, role, created_at FROM users WHERE email = ?`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, errors.Wrap(domain.ErrNotFound, "user")
	}
	if err != nil {
		return domain.User{}, classify(err, "query user")
	}
	return user, nil
}

func (m *MySQLAdapter) GetUsersByIDs(ctx context.Context, ids []string) (map[string]domain.User, error) {
	users := make(map[string]domain.User, len(ids))
	if len(ids) == 0 {
		return users, nil
	}
	query, args, err := sqlx.In(`
		SELECT id, name, email, password_hash, role, created_at FROM users WHERE id IN (?)`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "build users query")
	}

	var rows []domain.User
	if err := m.db.SelectContext(ctx, &rows, m.db.Rebind(query), args...); err != nil {
		return nil, classify(err, "query users")
	}
	for _, u := range rows {
		users[u.ID] = u
	}
	return users, nil
}

func (m *MySQLAdapter) CountUsersByRole(ctx context.Context, role domain.Role) (int, error) {
	var n int
	if err := m.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM users WHERE role = ?`, role); err != nil {
		return 0, classify(err, "count users")
	}
	return n, nil
}

// classify maps driver failures onto domain error kinds.
func classify(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errors.Wrapf(domain.ErrTimeout, "%s: %v", op, err)
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1205: // lock wait timeout
			return errors.Wrapf(domain.ErrTimeout, "%s: %v", op, err)
		case 1213: // deadlock
			return errors.Wrapf(domain.ErrConflict, "%s: %v", op, err)
		case 1062: // duplicate entry
			return errors.Wrapf(domain.ErrConflict, "%s: %v", op, err)
		case 3819: // check constraint violated
			return errors.Wrapf(domain.ErrInvalidQuantity, "%s: %v", op, err)
		}
	}
	return errors.Wrapf(domain.ErrStorageFailure, "%s: %v", op, err)
}

// transient marks connection failures and deadlocks as safe to retry.
func transient(err error) error {
	if errors.Is(err, domain.ErrStorageFailure) || errors.Is(err, domain.ErrConflict) {
		return &domain.TransientError{Err: err}
	}
	return err
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

var (
	_ port.StockStore        = (*MySQLAdapter)(nil)
	_ port.CatalogRepository = (*MySQLAdapter)(nil)
	_ port.OrderRepository   = (*MySQLAdapter)(nil)
	_ port.UserRepository    = (*MySQLAdapter)(nil)
)
