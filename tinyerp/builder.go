package tinyerp

import (
	"encoding/xml"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mmdatafocus/erp_integration/models"
	"github.com/shopspring/decimal"
)

// DefaultUnit is used when an order item has no unit of measure.
const DefaultUnit = "UN"

type BuildOptions struct {
	OperationNature string
	Now             time.Time
}

type xmlPedido struct {
	XMLName           xml.Name     `xml:"pedido"`
	Numero            string       `xml:"numero"`
	DataPedido        string       `xml:"data_pedido"`
	Cliente           xmlCliente   `xml:"cliente"`
	EnderecoEntrega   *xmlEndereco `xml:"endereco_entrega,omitempty"`
	Itens             []xmlItem    `xml:"itens>item"`
	ValorDesconto     string       `xml:"valor_desconto,omitempty"`
	Parcelas          []xmlParcela `xml:"parcelas>parcela"`
	NumeroOrdemCompra string       `xml:"numero_ordem_compra,omitempty"`
	NaturezaOperacao  string       `xml:"natureza_operacao,omitempty"`
	Obs               string       `xml:"obs,omitempty"`
	ObsInternas       string       `xml:"obs_internas,omitempty"`
}

type xmlCliente struct {
	Codigo     string `xml:"codigo,omitempty"`
	Nome       string `xml:"nome"`
	TipoPessoa string `xml:"tipo_pessoa"`
	CpfCnpj    string `xml:"cpf_cnpj"`
	Ie         string `xml:"ie,omitempty"`
	Email      string `xml:"email,omitempty"`
	Fone       string `xml:"fone,omitempty"`
	xmlEndereco
}

type xmlEndereco struct {
	Endereco    string `xml:"endereco,omitempty"`
	Numero      string `xml:"numero,omitempty"`
	Complemento string `xml:"complemento,omitempty"`
	Bairro      string `xml:"bairro,omitempty"`
	Cep         string `xml:"cep,omitempty"`
	Cidade      string `xml:"cidade,omitempty"`
	Uf          string `xml:"uf,omitempty"`
}

type xmlItem struct {
	Codigo        string `xml:"codigo"`
	Descricao     string `xml:"descricao"`
	Unidade       string `xml:"unidade"`
	Quantidade    string `xml:"quantidade"`
	ValorUnitario string `xml:"valor_unitario"`
}

type xmlParcela struct {
	Dias  string `xml:"dias"`
	Valor string `xml:"valor"`
}

type xmlContatos struct {
	XMLName xml.Name   `xml:"contatos"`
	Contato xmlContato `xml:"contato"`
}

type xmlContato struct {
	Sequencia string `xml:"sequencia"`
	xmlCliente
	SituacaoCad string `xml:"situacao"`
}

type xmlProdutos struct {
	XMLName xml.Name   `xml:"produtos"`
	Produto xmlProduto `xml:"produto"`
}

type xmlProduto struct {
	Sequencia string `xml:"sequencia"`
	Codigo    string `xml:"codigo"`
	Nome      string `xml:"nome"`
	Unidade   string `xml:"unidade"`
	Preco     string `xml:"preco"`
	Gtin      string `xml:"gtin,omitempty"`
	Origem    string `xml:"origem"`
	Situacao  string `xml:"situacao"`
	Tipo      string `xml:"tipo"`
}

type submissionInput struct {
	CustomerName  string      `name:"cliente.nome" validate:"required"`
	CustomerTaxId string      `name:"cliente.cpf_cnpj" validate:"required,taxid"`
	Items         []itemInput `name:"itens" validate:"required,min=1,dive"`
}

type itemInput struct {
	Sku         string          `name:"codigo" validate:"required"`
	Description string          `name:"descricao" validate:"required"`
	Quantity    decimal.Decimal `name:"quantidade" validate:"gt=0"`
	UnitPrice   decimal.Decimal `name:"valor_unitario" validate:"gt=0"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			return f.Tag.Get("name")
		})
		// Validate decimals as float64 so the builtin comparison tags apply.
		validate.RegisterCustomTypeFunc(func(v reflect.Value) interface{} {
			if d, ok := v.Interface().(decimal.Decimal); ok {
				f, _ := d.Float64()
				return f
			}
			return nil
		}, decimal.Decimal{})
		_ = validate.RegisterValidation("taxid", validateTaxId)
	})
	return validate
}

// validateTaxId only checks the digit count; check digits are left to the ERP.
func validateTaxId(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	n := len(models.OnlyDigits(val))
	return n == 11 || n == 14
}

func fromValidationError(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err
	}
	out := make(ValidationErrors, 0, len(ve))
	for _, fe := range ve {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		var msg string
		switch fe.Tag() {
		case "required":
			msg = "is required"
		case "min":
			msg = "must have at least " + fe.Param() + " item"
		case "taxid":
			msg = "must have 11 (CPF) or 14 (CNPJ) digits"
		case "gt":
			msg = "must be greater than zero"
		default:
			msg = "is invalid"
		}
		out = append(out, &ValidationError{Field: field, Message: msg})
	}
	return out
}

// ValidateOrder runs the local checks that must pass before anything is sent.
func ValidateOrder(order models.Order) error {
	if order.IsDraft() {
		return ErrDraftOrder
	}
	in := submissionInput{
		CustomerName:  strings.TrimSpace(order.CustomerName),
		CustomerTaxId: order.CustomerTaxId,
	}
	for _, it := range order.Items {
		in.Items = append(in.Items, itemInput{
			Sku:         strings.TrimSpace(it.Sku),
			Description: strings.TrimSpace(it.Description),
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
		})
	}
	if err := getValidator().Struct(in); err != nil {
		return fromValidationError(err)
	}
	// The single installment is items total minus discount, so it must not go negative.
	if order.Discount.GreaterThan(order.ItemsTotal()) {
		return ValidationErrors{{Field: "valor_desconto", Message: "must not exceed the items total"}}
	}
	return nil
}

// BuildSubmission validates the order and renders the pedido document.
// Each call produces a new submission number traceable to the local order id.
func BuildSubmission(order models.Order, customer *models.Customer, opts BuildOptions) (*Submission, error) {
	if err := ValidateOrder(order); err != nil {
		return nil, err
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	taxId := models.OnlyDigits(order.CustomerTaxId)
	doc := xmlPedido{
		Numero:            SubmissionNumber(order, now),
		DataPedido:        now.Format("02/01/2006"),
		Cliente:           xmlCliente{Codigo: order.CustomerId, Nome: strings.TrimSpace(order.CustomerName), TipoPessoa: personType(taxId), CpfCnpj: taxId, Ie: strings.TrimSpace(order.CustomerStateRegistration)},
		NumeroOrdemCompra: strings.TrimSpace(order.PurchaseOrderRef),
		NaturezaOperacao:  strings.TrimSpace(opts.OperationNature),
		Obs:               strings.TrimSpace(order.Notes),
		ObsInternas:       "Pedido interno " + order.ID,
	}
	if customer != nil {
		if doc.Cliente.Ie == "" {
			doc.Cliente.Ie = strings.TrimSpace(customer.StateRegistration)
		}
		doc.Cliente.Email = customer.Email
		doc.Cliente.Fone = customer.Phone
		doc.Cliente.xmlEndereco = toXMLAddress(customer.Address)
		if customer.DifferentDeliveryAddress && !customer.DeliveryAddress.IsEmpty() {
			delivery := toXMLAddress(customer.DeliveryAddress)
			doc.EnderecoEntrega = &delivery
		}
	}

	for _, it := range order.Items {
		unit := strings.TrimSpace(it.Unit)
		if unit == "" {
			unit = DefaultUnit
		}
		doc.Itens = append(doc.Itens, xmlItem{
			Codigo:        strings.TrimSpace(it.Sku),
			Descricao:     strings.TrimSpace(it.Description),
			Unidade:       unit,
			Quantidade:    it.Quantity.String(),
			ValorUnitario: it.UnitPrice.StringFixed(2),
		})
	}

	total := order.ItemsTotal()
	if order.Discount.IsPositive() {
		doc.ValorDesconto = order.Discount.StringFixed(2)
		total = total.Sub(order.Discount)
	}
	doc.Parcelas = []xmlParcela{{Dias: "0", Valor: total.StringFixed(2)}}

	body, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("render pedido: %w", err)
	}
	return &Submission{
		LocalOrderId: order.ID,
		Numero:       doc.Numero,
		Status:       order.Status,
		XML:          append([]byte(xml.Header), body...),
	}, nil
}

// SubmissionNumber combines the order number with a timestamp and random suffix.
func SubmissionNumber(order models.Order, now time.Time) string {
	base := strings.TrimSpace(order.Number)
	if base == "" {
		base = order.ID
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%s-%s-%s", base, now.Format("060102150405"), suffix)
}

func personType(taxIdDigits string) string {
	if len(taxIdDigits) == 14 {
		return "J"
	}
	return "F"
}

func toXMLAddress(a models.Address) xmlEndereco {
	return xmlEndereco{
		Endereco:    strings.TrimSpace(a.Street),
		Numero:      strings.TrimSpace(a.Number),
		Complemento: strings.TrimSpace(a.Complement),
		Bairro:      strings.TrimSpace(a.District),
		Cep:         models.OnlyDigits(a.PostalCode),
		Cidade:      strings.TrimSpace(a.City),
		Uf:          strings.ToUpper(strings.TrimSpace(a.State)),
	}
}

// CustomerDataFrom converts a local customer, falling back to the order snapshot.
func CustomerDataFrom(order models.Order, customer *models.Customer) CustomerData {
	data := CustomerData{
		Codigo:  order.CustomerId,
		Nome:    strings.TrimSpace(order.CustomerName),
		CpfCnpj: models.OnlyDigits(order.CustomerTaxId),
		Ie:      strings.TrimSpace(order.CustomerStateRegistration),
	}
	if customer != nil {
		if data.Nome == "" {
			data.Nome = customer.Name
		}
		if data.CpfCnpj == "" {
			data.CpfCnpj = customer.TaxIdDigits()
		}
		if data.Ie == "" {
			data.Ie = customer.StateRegistration
		}
		data.Email = customer.Email
		data.Fone = customer.Phone
		data.Address = customer.Address
	}
	data.TipoPessoa = personType(data.CpfCnpj)
	return data
}

func CustomerXML(c CustomerData) ([]byte, error) {
	doc := xmlContatos{Contato: xmlContato{
		Sequencia: "1",
		xmlCliente: xmlCliente{
			Codigo:      c.Codigo,
			Nome:        c.Nome,
			TipoPessoa:  c.TipoPessoa,
			CpfCnpj:     c.CpfCnpj,
			Ie:          c.Ie,
			Email:       c.Email,
			Fone:        c.Fone,
			xmlEndereco: toXMLAddress(c.Address),
		},
		SituacaoCad: "A",
	}}
	body, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("render contato: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

func ProductXML(p ProductData) ([]byte, error) {
	unit := strings.TrimSpace(p.Unidade)
	if unit == "" {
		unit = DefaultUnit
	}
	doc := xmlProdutos{Produto: xmlProduto{
		Sequencia: "1",
		Codigo:    p.Codigo,
		Nome:      p.Nome,
		Unidade:   unit,
		Preco:     p.Preco.StringFixed(2),
		Gtin:      p.Gtin,
		Origem:    "0",
		Situacao:  "A",
		Tipo:      "P",
	}}
	body, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("render produto: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// ParseSubmission decodes a pedido document; used by the simulator and diagnostics.
func ParseSubmission(doc []byte) (numero string, items []LineItem, err error) {
	var p xmlPedido
	if err := xml.Unmarshal(doc, &p); err != nil {
		return "", nil, err
	}
	for _, it := range p.Itens {
		qty, _ := decimal.NewFromString(it.Quantidade)
		unit, _ := decimal.NewFromString(it.ValorUnitario)
		items = append(items, LineItem{
			Codigo:        it.Codigo,
			Descricao:     it.Descricao,
			Unidade:       it.Unidade,
			Quantidade:    qty,
			ValorUnitario: unit,
			ValorTotal:    qty.Mul(unit),
		})
	}
	return p.Numero, items, nil
}
