package tinyerp

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/mmdatafocus/erp_integration/models"
	"github.com/shopspring/decimal"
)

// flexString accepts JSON strings and numbers; Tiny mixes both for ids and amounts.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	*f = flexString(string(b))
	return nil
}

func (f flexString) String() string { return string(f) }

// Decimal parses Tiny amounts, which may use a comma as decimal separator.
func (f flexString) Decimal() decimal.Decimal {
	s := strings.TrimSpace(string(f))
	if s == "" {
		return decimal.Zero
	}
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// OrderStatusPayload is the order as returned by pedido.obter.
type OrderStatusPayload struct {
	Id                 string
	Numero             string
	Situacao           string
	CodigoRastreamento string
	NomeTransportador  string
	IdNotaFiscal       string
	Total              decimal.Decimal
	Desconto           decimal.Decimal
	Itens              []LineItem
}

// HasInvoice reports a usable invoice id; Tiny uses "0" for "none".
func (p OrderStatusPayload) HasInvoice() bool {
	id := strings.TrimSpace(p.IdNotaFiscal)
	return id != "" && id != "0"
}

type LineItem struct {
	Codigo        string
	Descricao     string
	Unidade       string
	Ean           string
	Quantidade    decimal.Decimal
	ValorUnitario decimal.Decimal
	ValorTotal    decimal.Decimal
}

// InvoicePayload is the fiscal invoice as returned by nota.fiscal.obter.
type InvoicePayload struct {
	Id       string
	Numero   string
	Serie    string
	Chave    string
	Total    decimal.Decimal
	Desconto decimal.Decimal
	Itens    []LineItem
}

// Submission is a ready-to-send order document.
type Submission struct {
	LocalOrderId string
	Numero       string
	Status       models.OrderStatus
	XML          []byte
}

type CreateOrderResult struct {
	Id     string
	Numero string
	// Duplicate is set when the ERP reported the order as already submitted.
	Duplicate bool
}

type CreateResult struct {
	Id        string
	Duplicate bool
}

type CustomerData struct {
	Codigo     string
	Nome       string
	TipoPessoa string
	CpfCnpj    string
	Ie         string
	Email      string
	Fone       string
	Address    models.Address
}

type ProductData struct {
	Codigo  string
	Nome    string
	Unidade string
	Preco   decimal.Decimal
	Gtin    string
}

// raw wire shapes

type envelope struct {
	Retorno retorno `json:"retorno"`
}

type retorno struct {
	StatusProcessamento flexString      `json:"status_processamento"`
	Status              string          `json:"status"`
	CodigoErro          flexString      `json:"codigo_erro"`
	Erros               []wireErro      `json:"erros"`
	Pedido              *wirePedido     `json:"pedido"`
	NotaFiscal          *wireNotaFiscal `json:"nota_fiscal"`
	Registros           json.RawMessage `json:"registros"`
}

func (r retorno) ok() bool {
	return strings.EqualFold(r.Status, "OK")
}

func (r retorno) messages() []string {
	out := make([]string, 0, len(r.Erros))
	for _, e := range r.Erros {
		if m := strings.TrimSpace(e.Erro); m != "" {
			out = append(out, m)
		}
	}
	return out
}

type wireErro struct {
	Erro string `json:"erro"`
}

type wireItemWrapper struct {
	Item wireItem `json:"item"`
}

type wireItem struct {
	Codigo        string     `json:"codigo"`
	Descricao     string     `json:"descricao"`
	Unidade       string     `json:"unidade"`
	Gtin          string     `json:"gtin"`
	Ean           string     `json:"codigo_ean"`
	Quantidade    flexString `json:"quantidade"`
	ValorUnitario flexString `json:"valor_unitario"`
	ValorTotal    flexString `json:"valor_total"`
}

func (w wireItem) toLineItem() LineItem {
	ean := strings.TrimSpace(w.Gtin)
	if ean == "" {
		ean = strings.TrimSpace(w.Ean)
	}
	qty := w.Quantidade.Decimal()
	unit := w.ValorUnitario.Decimal()
	total := w.ValorTotal.Decimal()
	if total.IsZero() {
		total = qty.Mul(unit)
	}
	return LineItem{
		Codigo:        strings.TrimSpace(w.Codigo),
		Descricao:     w.Descricao,
		Unidade:       w.Unidade,
		Ean:           ean,
		Quantidade:    qty,
		ValorUnitario: unit,
		ValorTotal:    total,
	}
}

type wirePedido struct {
	Id                 flexString        `json:"id"`
	Numero             flexString        `json:"numero"`
	Situacao           string            `json:"situacao"`
	CodigoRastreamento string            `json:"codigo_rastreamento"`
	NomeTransportador  string            `json:"nome_transportador"`
	IdNotaFiscal       flexString        `json:"id_nota_fiscal"`
	TotalPedido        flexString        `json:"total_pedido"`
	ValorDesconto      flexString        `json:"valor_desconto"`
	Itens              []wireItemWrapper `json:"itens"`
}

func (w wirePedido) toPayload() *OrderStatusPayload {
	p := &OrderStatusPayload{
		Id:                 w.Id.String(),
		Numero:             w.Numero.String(),
		Situacao:           strings.TrimSpace(w.Situacao),
		CodigoRastreamento: strings.TrimSpace(w.CodigoRastreamento),
		NomeTransportador:  strings.TrimSpace(w.NomeTransportador),
		IdNotaFiscal:       w.IdNotaFiscal.String(),
		Total:              w.TotalPedido.Decimal(),
		Desconto:           w.ValorDesconto.Decimal(),
	}
	for _, it := range w.Itens {
		p.Itens = append(p.Itens, it.Item.toLineItem())
	}
	return p
}

type wireNotaFiscal struct {
	Id            flexString        `json:"id"`
	Numero        flexString        `json:"numero"`
	Serie         flexString        `json:"serie"`
	ChaveAcesso   string            `json:"chave_acesso"`
	ValorNota     flexString        `json:"valor_nota"`
	ValorDesconto flexString        `json:"valor_desconto"`
	Itens         []wireItemWrapper `json:"itens"`
}

func (w wireNotaFiscal) toPayload() *InvoicePayload {
	p := &InvoicePayload{
		Id:       w.Id.String(),
		Numero:   w.Numero.String(),
		Serie:    w.Serie.String(),
		Chave:    strings.TrimSpace(w.ChaveAcesso),
		Total:    w.ValorNota.Decimal(),
		Desconto: w.ValorDesconto.Decimal(),
	}
	for _, it := range w.Itens {
		p.Itens = append(p.Itens, it.Item.toLineItem())
	}
	return p
}

type wireRegistroWrapper struct {
	Registro wireRegistro `json:"registro"`
}

// wireRegistro is one include result. pedido.incluir answers with numero_pedido,
// the other include endpoints with numero.
type wireRegistro struct {
	Sequencia    flexString `json:"sequencia"`
	Status       string     `json:"status"`
	Id           flexString `json:"id"`
	Numero       flexString `json:"numero"`
	NumeroPedido flexString `json:"numero_pedido"`
	CodigoErro   flexString `json:"codigo_erro"`
	Erros        []wireErro `json:"erros"`
}

func (w wireRegistro) number() string {
	if n := strings.TrimSpace(w.Numero.String()); n != "" {
		return n
	}
	return strings.TrimSpace(w.NumeroPedido.String())
}

// decodeRegistros accepts both the list form and the single-object form of "registros".
func decodeRegistros(raw json.RawMessage) []wireRegistro {
	if len(raw) == 0 {
		return nil
	}
	var list []wireRegistroWrapper
	if err := json.Unmarshal(raw, &list); err == nil {
		out := make([]wireRegistro, 0, len(list))
		for _, w := range list {
			out = append(out, w.Registro)
		}
		return out
	}
	var single wireRegistroWrapper
	if err := json.Unmarshal(raw, &single); err == nil {
		return []wireRegistro{single.Registro}
	}
	return nil
}
