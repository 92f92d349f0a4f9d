package domain

import "github.com/shopspring/decimal"

type MonthlySales struct {
	Month string          `json:"month"`
	Year  int             `json:"year"`
	Sales decimal.Decimal `json:"sales"`
}

type FarmerSales struct {
	FarmerID string          `json:"-"`
	Name     string          `json:"name"`
	Sales    decimal.Decimal `json:"sales"`
	Orders   int             `json:"orders"`
}

type CropDemand struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// Stats is the admin dashboard rollup over committed orders.
type Stats struct {
	NumFarmers     int             `json:"numFarmers"`
	NumCustomers   int             `json:"numCustomers"`
	TotalSales     decimal.Decimal `json:"totalSales"`
	ItemsSold      int             `json:"itemsSold"`
	ActiveListings int             `json:"activeListings"`
	MonthlySales   []MonthlySales  `json:"monthlySales"`
	TopFarmers     []FarmerSales   `json:"topFarmers"`
	CropsInDemand  []CropDemand    `json:"cropsInDemand"`
}
