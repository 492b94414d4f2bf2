package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/erp_integration/config"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("record not found")

type OrderStore struct {
	db *gorm.DB
}

func NewOrderStore(db *gorm.DB) *OrderStore {
	return &OrderStore{db: db}
}

func (s *OrderStore) Get(ctx context.Context, id string) (*Order, error) {
	var order Order
	err := s.db.WithContext(ctx).Preload("Items").Where("id = ?", id).Take(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (s *OrderStore) FindByExternalId(ctx context.Context, externalId string) (*Order, error) {
	var order Order
	err := s.db.WithContext(ctx).Preload("Items").Where("erp_external_order_id = ?", externalId).Take(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

// ListAutoSync returns orders flagged for automatic sync that are linked to the ERP.
// Draft, cancelled and mock-linked filtering is left to the sync engine.
func (s *OrderStore) ListAutoSync(ctx context.Context, companyId string) ([]Order, error) {
	var orders []Order
	q := s.db.WithContext(ctx).Preload("Items").
		Where("erp_auto_sync = ? AND erp_external_order_id <> ''", true)
	if companyId != "" {
		q = q.Where("company_id = ?", companyId)
	}
	if err := q.Order("created_at").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// Save writes the order and its items.
func (s *OrderStore) Save(ctx context.Context, order *Order) error {
	return s.db.WithContext(ctx).Session(&gorm.Session{FullSaveAssociations: true}).Save(order).Error
}

func (s *OrderStore) SaveAll(ctx context.Context, orders []Order) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range orders {
			if err := tx.Session(&gorm.Session{FullSaveAssociations: true}).Save(&orders[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

type CompanyStore struct {
	db       *gorm.DB
	cacheTTL time.Duration
}

func NewCompanyStore(db *gorm.DB) *CompanyStore {
	return &CompanyStore{db: db, cacheTTL: 10 * time.Minute}
}

type cachedCompany struct {
	Company      Company `json:"company"`
	Integrations []byte  `json:"integrations"`
}

func companyCacheKey(id string) string {
	return "Company:" + id
}

// Get reads through the redis cache when it is connected.
func (s *CompanyStore) Get(ctx context.Context, id string) (*Company, error) {
	var cached cachedCompany
	exists, err := config.GetRedisObject(ctx, companyCacheKey(id), &cached)
	if err != nil {
		config.GetLogger().WithField("company_id", id).Warn("company cache read failed: " + err.Error())
	}
	if exists {
		company := cached.Company
		company.IntegrationsJSON = cached.Integrations
		return &company, nil
	}

	var company Company
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&company).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := config.SetRedisObject(ctx, companyCacheKey(id), cachedCompany{Company: company, Integrations: company.IntegrationsJSON}, s.cacheTTL); err != nil {
		config.GetLogger().WithField("company_id", id).Warn("company cache write failed: " + err.Error())
	}
	return &company, nil
}

func (s *CompanyStore) Save(ctx context.Context, company *Company) error {
	if err := s.db.WithContext(ctx).Save(company).Error; err != nil {
		return err
	}
	return config.RemoveRedisKey(ctx, companyCacheKey(company.ID))
}

// SyncConfigs returns the sincronizacao block of each company's integration for erpName.
// Companies without one are left out.
func (s *CompanyStore) SyncConfigs(ctx context.Context, erpName string) (map[string]SyncConfig, error) {
	var companies []Company
	if err := s.db.WithContext(ctx).Select("id", "integrations_json").Find(&companies).Error; err != nil {
		return nil, err
	}
	out := make(map[string]SyncConfig)
	for _, company := range companies {
		cfg, ok := company.Integration(erpName)
		if !ok || cfg.Sync == nil {
			continue
		}
		out[company.ID] = *cfg.Sync
	}
	return out, nil
}

type CustomerStore struct {
	db *gorm.DB
}

func NewCustomerStore(db *gorm.DB) *CustomerStore {
	return &CustomerStore{db: db}
}

func (s *CustomerStore) Get(ctx context.Context, id string) (*Customer, error) {
	var customer Customer
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&customer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &customer, nil
}

func (s *CustomerStore) Save(ctx context.Context, customer *Customer) error {
	return s.db.WithContext(ctx).Save(customer).Error
}

type ProductStore struct {
	db *gorm.DB
}

func NewProductStore(db *gorm.DB) *ProductStore {
	return &ProductStore{db: db}
}

func (s *ProductStore) List(ctx context.Context) ([]Product, error) {
	var products []Product
	if err := s.db.WithContext(ctx).Order("name").Find(&products).Error; err != nil {
		return nil, err
	}
	return products, nil
}

func (s *ProductStore) Save(ctx context.Context, product *Product) error {
	return s.db.WithContext(ctx).Save(product).Error
}

type SyncConfigStore struct {
	db *gorm.DB
}

func NewSyncConfigStore(db *gorm.DB) *SyncConfigStore {
	return &SyncConfigStore{db: db}
}

// Load returns the global config (defaults when never saved) and every per-company config.
func (s *SyncConfigStore) Load(ctx context.Context) (SyncConfig, map[string]SyncConfig, error) {
	var records []SyncConfigRecord
	if err := s.db.WithContext(ctx).Find(&records).Error; err != nil {
		return DefaultSyncConfig(), nil, err
	}
	global := DefaultSyncConfig()
	companies := make(map[string]SyncConfig)
	for _, rec := range records {
		if rec.Scope == SyncConfigScopeGlobal {
			global = DecodeSyncConfig(rec.ConfigJSON)
			continue
		}
		companies[rec.Scope] = DecodeSyncConfig(rec.ConfigJSON)
	}
	return global, companies, nil
}

func (s *SyncConfigStore) Save(ctx context.Context, scope string, cfg SyncConfig) error {
	if scope == "" {
		scope = SyncConfigScopeGlobal
	}
	return s.db.WithContext(ctx).Save(&SyncConfigRecord{Scope: scope, ConfigJSON: EncodeSyncConfig(cfg)}).Error
}
