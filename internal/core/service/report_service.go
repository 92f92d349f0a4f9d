package service

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
	"golang.org/x/sync/singleflight"

	"github.com/rl1809/farmigo/internal/core/domain"
	"github.com/rl1809/farmigo/internal/port"
)

type ReportOptions struct {
	Months     int
	TopFarmers int
	TopCrops   int
	CacheTTL   time.Duration
	LockTTL    time.Duration
}

func DefaultReportOptions() ReportOptions {
	return ReportOptions{
		Months:     6,
		TopFarmers: 5,
		TopCrops:   6,
		CacheTTL:   30 * time.Second,
		LockTTL:    10 * time.Second,
	}
}

// ReportService computes dashboard rollups from committed orders only. It
// never writes to the catalog or order stores.
type ReportService struct {
	orders  port.OrderRepository
	catalog port.CatalogRepository
	users   port.UserRepository
	cache   port.StatsCache
	opts    ReportOptions
	group   singleflight.Group
	log     logrus.FieldLogger
	now     func() time.Time
}

// NewReportService builds the reporter. cache may be nil.
func NewReportService(orders port.OrderRepository, catalog port.CatalogRepository, users port.UserRepository, cache port.StatsCache, opts ReportOptions, logger logrus.FieldLogger) *ReportService {
	return &ReportService{
		orders:  orders,
		catalog: catalog,
		users:   users,
		cache:   cache,
		opts:    opts,
		log:     logger,
		now:     time.Now,
	}
}

// Stats returns the cached rollup when fresh, otherwise recomputes it. Data
// may lag order placement by up to CacheTTL.
func (s *ReportService) Stats(ctx context.Context) (domain.Stats, error) {
	if s.cache != nil {
		cached, err := s.cache.GetStats(ctx)
		if err != nil {
			s.log.WithError(err).Warn("stats cache read failed")
		} else if cached != nil {
			return *cached, nil
		}
	}

	v, err, _ := s.group.Do("stats", func() (interface{}, error) {
		return s.refresh(ctx)
	})
	if err != nil {
		return domain.Stats{}, err
	}
	return v.(domain.Stats), nil
}

func (s *ReportService) refresh(ctx context.Context) (domain.Stats, error) {
	if s.cache == nil {
		return s.Compute(ctx)
	}

	unlock, err := s.cache.LockStats(ctx, s.opts.LockTTL)
	if err != nil {
		// Another instance is recomputing; serve a fresh computation uncached.
		s.log.WithError(err).Debug("stats lock not obtained")
		return s.Compute(ctx)
	}
	defer unlock()

	stats, err := s.Compute(ctx)
	if err != nil {
		return domain.Stats{}, err
	}
	if err := s.cache.SetStats(ctx, stats, s.opts.CacheTTL); err != nil {
		s.log.WithError(err).Warn("stats cache write failed")
	}
	return stats, nil
}

// Compute builds the rollup from a snapshot of committed orders.
func (s *ReportService) Compute(ctx context.Context) (domain.Stats, error) {
	var (
		stats domain.Stats
		err   error
	)
	if stats.NumFarmers, err = s.users.CountUsersByRole(ctx, domain.RoleFarmer); err != nil {
		return domain.Stats{}, errors.Wrap(err, "count farmers")
	}
	if stats.NumCustomers, err = s.users.CountUsersByRole(ctx, domain.RoleCustomer); err != nil {
		return domain.Stats{}, errors.Wrap(err, "count customers")
	}
	if stats.ActiveListings, err = s.catalog.CountListings(ctx, true); err != nil {
		return domain.Stats{}, errors.Wrap(err, "count listings")
	}

	orders, err := s.orders.ListOrdersSince(ctx, time.Time{})
	if err != nil {
		return domain.Stats{}, errors.Wrap(err, "load orders")
	}

	r := aggregate(orders, s.windowStart(), s.opts)
	stats.TotalSales = r.totalSales
	stats.ItemsSold = r.itemsSold
	stats.MonthlySales = r.monthly
	stats.CropsInDemand = r.crops

	ids := make([]string, 0, len(r.farmers))
	for _, f := range r.farmers {
		ids = append(ids, f.FarmerID)
	}
	users, err := s.users.GetUsersByIDs(ctx, ids)
	if err != nil {
		return domain.Stats{}, errors.Wrap(err, "load farmers")
	}
	for i := range r.farmers {
		if u, ok := users[r.farmers[i].FarmerID]; ok {
			r.farmers[i].Name = u.Name
		} else {
			r.farmers[i].Name = r.farmers[i].FarmerID
		}
	}
	stats.TopFarmers = r.farmers
	return stats, nil
}

func (s *ReportService) windowStart() time.Time {
	now := s.now().UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	months := s.opts.Months
	if months <= 0 {
		months = DefaultReportOptions().Months
	}
	return first.AddDate(0, -(months - 1), 0)
}

type rollup struct {
	totalSales decimal.Decimal
	itemsSold  int
	monthly    []domain.MonthlySales
	farmers    []domain.FarmerSales
	crops      []domain.CropDemand
}

func aggregate(orders []domain.Order, since time.Time, opts ReportOptions) rollup {
	type monthKey struct {
		year  int
		month time.Month
	}
	type farmerAcc struct {
		sales  decimal.Decimal
		orders map[string]struct{}
	}

	r := rollup{totalSales: decimal.Zero}
	months := make(map[monthKey]decimal.Decimal)
	farmers := make(map[string]*farmerAcc)
	crops := make(map[string]int)

	for _, o := range orders {
		r.totalSales = r.totalSales.Add(o.Total)
		if !o.CreatedAt.Before(since) {
			k := monthKey{o.CreatedAt.UTC().Year(), o.CreatedAt.UTC().Month()}
			months[k] = months[k].Add(o.Total)
		}
		for _, l := range o.Lines {
			r.itemsSold += l.Quantity
			crops[l.CropName] += l.Quantity

			acc, ok := farmers[l.FarmerID]
			if !ok {
				acc = &farmerAcc{sales: decimal.Zero, orders: make(map[string]struct{})}
				farmers[l.FarmerID] = acc
			}
			acc.sales = acc.sales.Add(l.Total())
			acc.orders[o.ID] = struct{}{}
		}
	}

	r.monthly = make([]domain.MonthlySales, 0, len(months))
	keys := make([]monthKey, 0, len(months))
	for k := range months {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].year != keys[j].year {
			return keys[i].year < keys[j].year
		}
		return keys[i].month < keys[j].month
	})
	for _, k := range keys {
		r.monthly = append(r.monthly, domain.MonthlySales{
			Month: k.month.String()[:3],
			Year:  k.year,
			Sales: months[k],
		})
	}

	r.farmers = make([]domain.FarmerSales, 0, len(farmers))
	for id, acc := range farmers {
		r.farmers = append(r.farmers, domain.FarmerSales{FarmerID: id, Sales: acc.sales, Orders: len(acc.orders)})
	}
	sort.Slice(r.farmers, func(i, j int) bool {
		if c := r.farmers[i].Sales.Cmp(r.farmers[j].Sales); c != 0 {
			return c > 0
		}
		return r.farmers[i].FarmerID < r.farmers[j].FarmerID
	})
	if opts.TopFarmers > 0 && len(r.farmers) > opts.TopFarmers {
		r.farmers = r.farmers[:opts.TopFarmers]
	}

	r.crops = make([]domain.CropDemand, 0, len(crops))
	for name, qty := range crops {
		r.crops = append(r.crops, domain.CropDemand{Name: name, Quantity: qty})
	}
	sort.Slice(r.crops, func(i, j int) bool {
		if r.crops[i].Quantity != r.crops[j].Quantity {
			return r.crops[i].Quantity > r.crops[j].Quantity
		}
		return r.crops[i].Name < r.crops[j].Name
	})
	if opts.TopCrops > 0 && len(r.crops) > opts.TopCrops {
		r.crops = r.crops[:opts.TopCrops]
	}
	return r
}

// ExportStats writes the current rollup as an xlsx workbook.
func (s *ReportService) ExportStats(ctx context.Context, w io.Writer) error {
	stats, err := s.Stats(ctx)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	const summary = "Summary"
	if err := f.SetSheetName("Sheet1", summary); err != nil {
		return errors.Wrap(err, "rename sheet")
	}
	rows := [][]interface{}{
		{"Metric", "Value"},
		{"Farmers", stats.NumFarmers},
		{"Customers", stats.NumCustomers},
		{"Total sales", stats.TotalSales.InexactFloat64()},
		{"Items sold", stats.ItemsSold},
		{"Active listings", stats.ActiveListings},
	}
	if err := writeRows(f, summary, rows); err != nil {
		return err
	}

	monthly := [][]interface{}{{"Month", "Year", "Sales"}}
	for _, m := range stats.MonthlySales {
		monthly = append(monthly, []interface{}{m.Month, m.Year, m.Sales.InexactFloat64()})
	}
	farmers := [][]interface{}{{"Farmer", "Sales", "Orders"}}
	for _, fs := range stats.TopFarmers {
		farmers = append(farmers, []interface{}{fs.Name, fs.Sales.InexactFloat64(), fs.Orders})
	}
	crops := [][]interface{}{{"Crop", "Quantity"}}
	for _, c := range stats.CropsInDemand {
		crops = append(crops, []interface{}{c.Name, c.Quantity})
	}

	for _, sheet := range []struct {
		name string
		rows [][]interface{}
	}{
		{"MonthlySales", monthly},
		{"TopFarmers", farmers},
		{"CropsInDemand", crops},
	} {
		if _, err := f.NewSheet(sheet.name); err != nil {
			return errors.Wrapf(err, "create sheet %s", sheet.name)
		}
		if err := writeRows(f, sheet.name, sheet.rows); err != nil {
			return err
		}
	}

	if err := f.Write(w); err != nil {
		return errors.Wrap(err, "write workbook")
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]interface{}) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		row := row
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return errors.Wrapf(err, "write %s row %d", sheet, i+1)
		}
	}
	return nil
}
