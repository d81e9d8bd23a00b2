// Package seed наполняет каталог демонстрационными клиентами и товарами.
package seed

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
)

// Catalog — хранилище, в которое можно добавить клиентов и товары без дублей.
type Catalog interface {
	EnsureCustomer(ctx context.Context, c domain.Customer) (bool, error)
	EnsureProduct(ctx context.Context, p domain.Product) (bool, error)
}

// Result — сколько записей добавлено и сколько уже существовало.
type Result struct {
	ProductsCreated  int
	ProductsSkipped  int
	CustomersCreated int
	CustomersSkipped int
}

type demoProduct struct {
	name  string
	sku   string
	price string
	stock int
}

var demoProducts = []demoProduct{
	{"Paracetamol 500mg", "MED001", "8.50", 150},
	{"Ibuprofeno 600mg", "MED002", "12.90", 100},
	{"Dipirona 500mg", "MED003", "6.75", 200},
	{"Aspirina 100mg", "MED004", "9.30", 80},
	{"Amoxicilina 500mg", "MED005", "15.80", 60},
	{"Azitromicina 500mg", "MED006", "18.50", 50},
	{"Vitamina C 1000mg", "VIT001", "22.00", 120},
	{"Vitamina D 2000UI", "VIT002", "28.90", 90},
	{"Complexo B", "VIT003", "19.50", 75},
	{"Omega 3 1000mg", "VIT004", "45.00", 65},
	{"Antigripal 500mg", "MED007", "11.20", 110},
	{"Xarope Expectorante", "MED008", "14.80", 55},
	{"Alcool Gel 70% 500ml", "HIG001", "12.50", 200},
	{"Mascara Cirurgica Cx 50un", "HIG002", "25.00", 85},
	{"Termometro Digital", "HIG003", "18.90", 45},
	{"Tiras Glicemia Cx 50un", "DIA001", "89.90", 30},
	{"Lancetas Cx 100un", "DIA002", "15.50", 70},
	{"Soro Fisiologico 500ml", "MED009", "6.80", 140},
	{"Curativo Adesivo Cx 100un", "HIG004", "8.90", 95},
	{"Luvas Latex Cx 100un", "HIG005", "32.00", 50},
}

var demoCustomers = []domain.Customer{
	{Name: "Maria Silva Santos", Email: "maria.santos@email.com", Document: "12345678901"},
	{Name: "Joao Pedro Oliveira", Email: "joao.oliveira@email.com", Document: "23456789012"},
	{Name: "Ana Carolina Costa", Email: "ana.costa@email.com", Document: "34567890123"},
	{Name: "Carlos Eduardo Souza", Email: "carlos.souza@email.com", Document: "45678901234"},
	{Name: "Fernanda Lima Alves", Email: "fernanda.alves@email.com", Document: "56789012345"},
	{Name: "Ricardo Mendes Rocha", Email: "ricardo.rocha@email.com", Document: "67890123456"},
	{Name: "Patricia Fernandes", Email: "patricia.fernandes@email.com", Document: "78901234567"},
	{Name: "Roberto Carlos Dias", Email: "roberto.dias@email.com", Document: "89012345678"},
	{Name: "Juliana Martins Pereira", Email: "juliana.pereira@email.com", Document: "90123456789"},
	{Name: "Paulo Henrique Gomes", Email: "paulo.gomes@email.com", Document: "01234567890"},
}

// Products возвращает демонстрационный каталог товаров.
func Products() []domain.Product {
	result := make([]domain.Product, 0, len(demoProducts))
	for _, p := range demoProducts {
		result = append(result, domain.Product{
			Name:   p.name,
			SKU:    p.sku,
			Price:  decimal.RequireFromString(p.price),
			Stock:  p.stock,
			Active: true,
		})
	}
	return result
}

// Customers возвращает демонстрационных клиентов.
func Customers() []domain.Customer {
	result := make([]domain.Customer, len(demoCustomers))
	for i, c := range demoCustomers {
		c.Active = true
		result[i] = c
	}
	return result
}

// Load добавляет демонстрационные данные. Повторный запуск ничего не дублирует.
func Load(ctx context.Context, catalog Catalog, logger *log.Entry) (Result, error) {
	if logger == nil {
		logger = log.WithField("component", "seed")
	}

	var result Result
	for _, p := range Products() {
		created, err := catalog.EnsureProduct(ctx, p)
		if err != nil {
			return result, fmt.Errorf("seed product %s: %w", p.SKU, err)
		}
		if created {
			result.ProductsCreated++
		} else {
			result.ProductsSkipped++
		}
	}

	for _, c := range Customers() {
		created, err := catalog.EnsureCustomer(ctx, c)
		if err != nil {
			return result, fmt.Errorf("seed customer %s: %w", c.Email, err)
		}
		if created {
			result.CustomersCreated++
		} else {
			result.CustomersSkipped++
		}
	}

	logger.WithFields(log.Fields{
		"products_created":  result.ProductsCreated,
		"products_skipped":  result.ProductsSkipped,
		"customers_created": result.CustomersCreated,
		"customers_skipped": result.CustomersSkipped,
	}).Info("demo catalog seeded")

	return result, nil
}
