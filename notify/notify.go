// Package notify delivers user-facing sync notifications.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/erp_integration/appctx"
	"github.com/mmdatafocus/erp_integration/config"
	"github.com/sirupsen/logrus"
)

type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
	SeverityError   Severity = "error"
)

type Notifier interface {
	Notify(ctx context.Context, message string, severity Severity) error
}

// Message is the payload published for UI consumers.
type Message struct {
	CompanyId     string    `json:"company_id,omitempty"`
	CorrelationId string    `json:"correlation_id,omitempty"`
	Message       string    `json:"message"`
	Severity      Severity  `json:"severity"`
	CreatedAt     time.Time `json:"created_at"`
}

type LogNotifier struct {
	logger *logrus.Logger
}

func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, message string, severity Severity) error {
	entry := n.logger.WithFields(logrus.Fields{
		"module":         "notify",
		"severity":       severity,
		"company_id":     appctx.CompanyId(ctx),
		"correlation_id": appctx.CorrelationId(ctx),
	})
	switch severity {
	case SeverityError:
		entry.Error(message)
	case SeverityWarning:
		entry.Warn(message)
	default:
		entry.Info(message)
	}
	return nil
}

// PubSubNotifier publishes notifications to a topic the UI gateway subscribes to.
type PubSubNotifier struct {
	topic       string
	createTopic bool
	publish     func(ctx context.Context, topic string, obj interface{}, createTopic bool) (string, error)
}

func NewPubSubNotifier(topic string, createTopic bool) *PubSubNotifier {
	return &PubSubNotifier{topic: topic, createTopic: createTopic, publish: config.PublishJSON}
}

func (n *PubSubNotifier) Notify(ctx context.Context, message string, severity Severity) error {
	_, err := n.publish(ctx, n.topic, Message{
		CompanyId:     appctx.CompanyId(ctx),
		CorrelationId: appctx.CorrelationId(ctx),
		Message:       message,
		Severity:      severity,
		CreatedAt:     time.Now().UTC(),
	}, n.createTopic)
	return err
}

// Multi fans out to every notifier and returns the first error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, message string, severity Severity) error {
	var first error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, message, severity); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Safe wraps a notifier so that neither errors nor panics reach the caller.
type Safe struct {
	inner  Notifier
	logger *logrus.Logger
}

func NewSafe(inner Notifier) *Safe {
	return &Safe{inner: inner, logger: config.GetLogger()}
}

func (s *Safe) Notify(ctx context.Context, message string, severity Severity) (err error) {
	if s == nil || s.inner == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			config.LogError(s.logger, "notify", "Notify", "recovered panic", message, fmt.Errorf("%v", r))
		}
		err = nil
	}()
	if nerr := s.inner.Notify(ctx, message, severity); nerr != nil {
		config.LogError(s.logger, "notify", "Notify", "delivery failed", message, nerr)
	}
	return nil
}
