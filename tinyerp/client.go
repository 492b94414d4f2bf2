package tinyerp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmdatafocus/erp_integration/config"
	"github.com/mmdatafocus/erp_integration/models"
	"github.com/sirupsen/logrus"
)

const defaultBaseURL = "https://api.tiny.com.br/api2"

type ClientOptions struct {
	BaseURL         string
	RateLimitPerMin int
	Timeout         time.Duration
	Credentials     CredentialsResolver
	HTTPClient      *http.Client
}

// Client is the real Tiny ERP v2 transport.
type Client struct {
	baseURL string
	creds   CredentialsResolver
	http    *http.Client
	limiter <-chan time.Time
	logger  *logrus.Logger
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Credentials == nil {
		return nil, errors.New("tiny erp credentials resolver is nil")
	}
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	rateLimitPerMin := opts.RateLimitPerMin
	if rateLimitPerMin <= 0 {
		rateLimitPerMin = 30
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   opts.Credentials,
		http:    httpClient,
		limiter: time.Tick(interval),
		logger:  config.GetLogger(),
	}, nil
}

func (c *Client) GetOrder(ctx context.Context, companyID, externalOrderID string) (*OrderStatusPayload, error) {
	ret, err := c.call(ctx, companyID, "pedido.obter.php", url.Values{"id": {externalOrderID}})
	if err != nil {
		return nil, err
	}
	if ret.Pedido == nil {
		return nil, &Error{Kind: KindNotFound, Message: "order " + externalOrderID + " not returned"}
	}
	return ret.Pedido.toPayload(), nil
}

func (c *Client) GetInvoice(ctx context.Context, companyID, invoiceID string) (*InvoicePayload, error) {
	ret, err := c.call(ctx, companyID, "nota.fiscal.obter.php", url.Values{"id": {invoiceID}})
	if err != nil {
		return nil, err
	}
	if ret.NotaFiscal == nil {
		return nil, &Error{Kind: KindNotFound, Message: "invoice " + invoiceID + " not returned"}
	}
	return ret.NotaFiscal.toPayload(), nil
}

func (c *Client) CreateOrder(ctx context.Context, companyID string, sub *Submission) (*CreateOrderResult, error) {
	if sub == nil {
		return nil, errors.New("submission is nil")
	}
	if sub.Status == models.OrderStatusDraft {
		return nil, ErrDraftOrder
	}
	reg, err := c.include(ctx, companyID, "pedido.incluir.php", "pedido", sub.XML)
	if err != nil {
		if IsKind(err, KindDuplicate) {
			return &CreateOrderResult{Id: reg.Id.String(), Numero: reg.number(), Duplicate: true}, nil
		}
		return nil, err
	}
	return &CreateOrderResult{Id: reg.Id.String(), Numero: reg.number()}, nil
}

func (c *Client) CreateCustomer(ctx context.Context, companyID string, customer CustomerData) (*CreateResult, error) {
	doc, err := CustomerXML(customer)
	if err != nil {
		return nil, err
	}
	return c.createRecord(ctx, companyID, "contato.incluir.php", "contato", doc)
}

func (c *Client) CreateProduct(ctx context.Context, companyID string, product ProductData) (*CreateResult, error) {
	doc, err := ProductXML(product)
	if err != nil {
		return nil, err
	}
	return c.createRecord(ctx, companyID, "produto.incluir.php", "produto", doc)
}

func (c *Client) createRecord(ctx context.Context, companyID, endpoint, param string, doc []byte) (*CreateResult, error) {
	reg, err := c.include(ctx, companyID, endpoint, param, doc)
	if err != nil {
		if IsKind(err, KindDuplicate) {
			return &CreateResult{Id: reg.Id.String(), Duplicate: true}, nil
		}
		return nil, err
	}
	return &CreateResult{Id: reg.Id.String()}, nil
}

// include posts an XML document and returns the first registro; on a duplicate it
// returns the registro together with the KindDuplicate error.
func (c *Client) include(ctx context.Context, companyID, endpoint, param string, doc []byte) (wireRegistro, error) {
	ret, err := c.call(ctx, companyID, endpoint, url.Values{param: {string(doc)}})
	if err != nil {
		return wireRegistro{}, err
	}
	regs := decodeRegistros(ret.Registros)
	if len(regs) == 0 {
		return wireRegistro{}, &Error{Kind: KindApplication, Message: "empty registros in response"}
	}
	reg := regs[0]
	if reg.Status != "" && !strings.EqualFold(reg.Status, "OK") {
		msgs := make([]string, 0, len(reg.Erros))
		for _, e := range reg.Erros {
			msgs = append(msgs, e.Erro)
		}
		return reg, classifyApplicationError(reg.CodigoErro.String(), msgs)
	}
	return reg, nil
}

// call performs one rate-limited request and unwraps the "retorno" envelope.
func (c *Client) call(ctx context.Context, companyID, endpoint string, params url.Values) (retorno, error) {
	creds, err := c.creds.Credentials(ctx, companyID)
	if err != nil {
		return retorno{}, err
	}
	base := c.baseURL
	if b := strings.TrimSpace(creds.BaseURL); b != "" {
		base = strings.TrimRight(b, "/")
	}

	select {
	case <-ctx.Done():
		return retorno{}, &Error{Kind: KindTransport, Err: ctx.Err()}
	case <-c.limiter:
	}

	form := url.Values{}
	for k, v := range params {
		form[k] = v
	}
	form.Set("token", creds.Token)
	form.Set("formato", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/"+endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return retorno{}, &Error{Kind: KindTransport, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		terr := classifyTransportError(err)
		c.logger.WithFields(logrus.Fields{
			"module":     "tinyerp",
			"endpoint":   endpoint,
			"company_id": companyID,
			"kind":       terr.Kind.String(),
		}).Warn("tiny request failed: " + err.Error())
		return retorno{}, terr
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	c.logger.WithFields(logrus.Fields{
		"module":      "tinyerp",
		"endpoint":    endpoint,
		"company_id":  companyID,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("tiny request")

	var env envelope
	decodeErr := json.Unmarshal(body, &env)
	hasEnvelope := decodeErr == nil && (env.Retorno.Status != "" || env.Retorno.StatusProcessamento != "")

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return retorno{}, &Error{Kind: KindRateLimited, Code: codeRateLimited, Message: "http 429"}
	case (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusProxyAuthRequired) && !hasEnvelope:
		// A proxy or gateway refused the call before it reached Tiny.
		return retorno{}, &Error{Kind: KindTransportBlocked, Message: fmt.Sprintf("http %d without api response", resp.StatusCode)}
	case resp.StatusCode >= 500:
		return retorno{}, &Error{Kind: KindTransport, Message: fmt.Sprintf("http %d: %s", resp.StatusCode, truncate(string(body), 200))}
	case !hasEnvelope:
		if decodeErr == nil {
			decodeErr = errors.New("missing retorno envelope")
		}
		return retorno{}, &Error{Kind: KindTransport, Message: fmt.Sprintf("unexpected response (http %d)", resp.StatusCode), Err: decodeErr}
	}

	if !env.Retorno.ok() && len(decodeRegistros(env.Retorno.Registros)) == 0 {
		return retorno{}, classifyApplicationError(env.Retorno.CodigoErro.String(), env.Retorno.messages())
	}
	return env.Retorno, nil
}

// classifyTransportError separates "cannot reach Tiny from here" from transient failures.
func classifyTransportError(err error) *Error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return &Error{Kind: KindTransportBlocked, Message: "host not resolvable", Err: err}
	}
	var certErr *tls.CertificateVerificationError
	var authErr x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	var invalidErr x509.CertificateInvalidError
	if errors.As(err, &certErr) || errors.As(err, &authErr) || errors.As(err, &hostErr) || errors.As(err, &invalidErr) {
		return &Error{Kind: KindTransportBlocked, Message: "tls verification failed", Err: err}
	}
	return &Error{Kind: KindTransport, Err: err}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
