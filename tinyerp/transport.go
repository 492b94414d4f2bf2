// Package tinyerp talks to the Tiny ERP v2 API, or simulates it.
package tinyerp

import (
	"context"
	"errors"
	"strings"

	"github.com/mmdatafocus/erp_integration/config"
	"github.com/mmdatafocus/erp_integration/models"
)

// Transport is the strategy used by the sync engine and the auto-send orchestrator.
// Failures are always *Error values so callers can branch on Kind.
type Transport interface {
	GetOrder(ctx context.Context, companyID, externalOrderID string) (*OrderStatusPayload, error)
	GetInvoice(ctx context.Context, companyID, invoiceID string) (*InvoicePayload, error)
	CreateOrder(ctx context.Context, companyID string, sub *Submission) (*CreateOrderResult, error)
	CreateCustomer(ctx context.Context, companyID string, customer CustomerData) (*CreateResult, error)
	CreateProduct(ctx context.Context, companyID string, product ProductData) (*CreateResult, error)
}

type Credentials struct {
	Token   string
	BaseURL string
}

type CredentialsResolver interface {
	Credentials(ctx context.Context, companyID string) (Credentials, error)
}

var ErrNoCredentials = errors.New("tiny erp api token not configured")

// StaticCredentials serves one token for every company.
type StaticCredentials Credentials

func (s StaticCredentials) Credentials(context.Context, string) (Credentials, error) {
	if strings.TrimSpace(s.Token) == "" {
		return Credentials{}, ErrNoCredentials
	}
	return Credentials(s), nil
}

type CompanyGetter interface {
	Get(ctx context.Context, id string) (*models.Company, error)
}

// CompanyCredentials reads the token from the company's "tiny" integration config.
type CompanyCredentials struct {
	Companies CompanyGetter
}

func (c CompanyCredentials) Credentials(ctx context.Context, companyID string) (Credentials, error) {
	company, err := c.Companies.Get(ctx, companyID)
	if err != nil {
		return Credentials{}, err
	}
	cfg, ok := company.Integration(models.ERPNameTiny)
	if !ok || strings.TrimSpace(cfg.ApiToken) == "" {
		return Credentials{}, ErrNoCredentials
	}
	return Credentials{Token: cfg.ApiToken, BaseURL: cfg.ApiUrl}, nil
}

// NewTransport picks the real client or the simulator from the configured mode.
func NewTransport(settings config.Settings, creds CredentialsResolver) (Transport, error) {
	if config.NormalizeTransportMode(settings.TransportMode) == config.TransportModeReal {
		return NewClient(ClientOptions{
			BaseURL:         settings.TinyAPIBaseURL,
			RateLimitPerMin: settings.TinyRateLimitPerMin,
			Timeout:         settings.HTTPTimeout(),
			Credentials:     creds,
		})
	}
	return NewSimulator(SimulatorOptions{
		Delay:     settings.SimulatorDelay(),
		MachineID: settings.MachineID,
	})
}
