package tinyerp

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies every failure a Transport can return.
type Kind int

const (
	KindTransport Kind = iota + 1
	KindNotFound
	KindRateLimited
	KindTransportBlocked
	KindApplication
	KindDuplicate
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindTransportBlocked:
		return "transport_blocked"
	case KindApplication:
		return "application"
	case KindDuplicate:
		return "duplicate"
	}
	return "unknown"
}

// Entity names the dependent record an application error complains about.
type Entity string

const (
	EntityCustomer Entity = "customer"
	EntityProduct  Entity = "product"
)

// Tiny API v2 error codes.
const (
	codeRateLimited = "6"
	codeNotFound    = "20"
	codeDuplicate   = "30"
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Missing is set when the ERP rejected an order because a dependent record is not registered.
	Missing Entity
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("tiny erp ")
	b.WriteString(e.Kind.String())
	if e.Code != "" {
		b.WriteString(" (code ")
		b.WriteString(e.Code)
		b.WriteString(")")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a tinyerp error anywhere in the chain, or 0.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}

func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// MissingEntity returns the unregistered dependent record named by err, if any.
func MissingEntity(err error) Entity {
	var te *Error
	if errors.As(err, &te) {
		return te.Missing
	}
	return ""
}

// ErrDraftOrder is returned by every send path before any I/O.
var ErrDraftOrder = errors.New("draft orders cannot be sent to the ERP")

// ValidationError is a local validation failure; it never reaches the network.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %s: %s", e.Field, e.Message)
}

// ValidationErrors carries every field problem found in one pass.
type ValidationErrors []*ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}

func IsValidationError(err error) bool {
	var one *ValidationError
	var many ValidationErrors
	return errors.As(err, &one) || errors.As(err, &many)
}

// classifyApplicationError maps a Tiny error envelope to a typed error.
func classifyApplicationError(code string, messages []string) *Error {
	msg := strings.Join(messages, "; ")
	lower := strings.ToLower(foldAccents(msg))
	e := &Error{Kind: KindApplication, Code: code, Message: msg}
	switch {
	case code == codeRateLimited || strings.Contains(lower, "api bloqueada") || strings.Contains(lower, "excedido o numero de acessos"):
		e.Kind = KindRateLimited
	case code == codeNotFound || strings.Contains(lower, "nao retornou registros"):
		e.Kind = KindNotFound
	case code == codeDuplicate || strings.Contains(lower, "duplicidade") || strings.Contains(lower, "ja existe") || strings.Contains(lower, "ja cadastrado"):
		e.Kind = KindDuplicate
	case strings.Contains(lower, "nao cadastrado") || strings.Contains(lower, "nao encontrado"):
		if strings.Contains(lower, "cliente") || strings.Contains(lower, "contato") {
			e.Missing = EntityCustomer
		} else if strings.Contains(lower, "produto") || strings.Contains(lower, "item") {
			e.Missing = EntityProduct
		}
	}
	return e
}

var accentReplacer = strings.NewReplacer(
	"á", "a", "à", "a", "â", "a", "ã", "a", "ä", "a",
	"é", "e", "ê", "e", "è", "e",
	"í", "i", "î", "i",
	"ó", "o", "ô", "o", "õ", "o", "ö", "o",
	"ú", "u", "ü", "u",
	"ç", "c",
	"Á", "A", "À", "A", "Â", "A", "Ã", "A",
	"É", "E", "Ê", "E",
	"Í", "I",
	"Ó", "O", "Ô", "O", "Õ", "O",
	"Ú", "U", "Ü", "U",
	"Ç", "C",
)

// foldAccents drops Portuguese diacritics.
func foldAccents(s string) string {
	return accentReplacer.Replace(s)
}

// FoldAccents is exported for status-token normalization.
func FoldAccents(s string) string {
	return foldAccents(s)
}
