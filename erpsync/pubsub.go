package erpsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/erp_integration/appctx"
	"github.com/mmdatafocus/erp_integration/config"
	"github.com/mmdatafocus/erp_integration/models"
	"github.com/mmdatafocus/erp_integration/tinyerp"
	"github.com/sirupsen/logrus"
)

const pushHandlerName = "tiny-bulk-sync"

type RunStore interface {
	Create(ctx context.Context, run *models.SyncRun) error
	Get(ctx context.Context, id uint) (*models.SyncRun, error)
	MarkRunning(ctx context.Context, run *models.SyncRun, at time.Time) error
	Finish(ctx context.Context, run *models.SyncRun, at time.Time) error
	RecordError(ctx context.Context, runId uint, orderId, code, message string, retryable bool) error
	Recent(ctx context.Context, companyId string, limit int) ([]models.SyncRun, error)
	Errors(ctx context.Context, runId uint) ([]models.SyncRunError, error)
}

type IdempotencyGate interface {
	Begin(ctx context.Context, companyId, handlerName, messageId string) (bool, error)
	MarkSucceeded(ctx context.Context, companyId, handlerName, messageId string) error
	MarkFailed(ctx context.Context, companyId, handlerName, messageId string, err error) error
}

// PublishFunc publishes obj on topic and returns the message id.
type PublishFunc func(ctx context.Context, topic string, obj interface{}, createTopic bool) (string, error)

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type BulkSyncMessage struct {
	RunId     uint   `json:"run_id"`
	CompanyId string `json:"company_id"`
}

type DispatcherOptions struct {
	Runs        RunStore
	Keys        IdempotencyGate
	Topic       string
	CreateTopic bool
	// UsePubSub queues runs on Topic; otherwise Trigger runs them in the background.
	UsePubSub bool
	Publish   PublishFunc
}

// Dispatcher turns bulk-sync requests into tracked SyncRun records and executes them.
type Dispatcher struct {
	engine      *Engine
	runs        RunStore
	keys        IdempotencyGate
	topic       string
	createTopic bool
	usePubSub   bool
	publish     PublishFunc
}

func NewDispatcher(engine *Engine, opts DispatcherOptions) *Dispatcher {
	d := &Dispatcher{
		engine:      engine,
		runs:        opts.Runs,
		keys:        opts.Keys,
		topic:       opts.Topic,
		createTopic: opts.CreateTopic,
		usePubSub:   opts.UsePubSub,
		publish:     opts.Publish,
	}
	if d.publish == nil {
		d.publish = config.PublishJSON
	}
	if d.topic == "" {
		d.topic = "tiny-sync"
	}
	return d
}

// Trigger records a queued run for companyId ("" means every company) and hands it off.
func (d *Dispatcher) Trigger(ctx context.Context, companyId, triggeredBy string) (*models.SyncRun, error) {
	run := &models.SyncRun{
		CompanyId:   companyId,
		Status:      models.SyncRunStatusQueued,
		TriggeredBy: triggeredBy,
	}
	if err := d.runs.Create(ctx, run); err != nil {
		return nil, err
	}

	if d.usePubSub {
		msgId, err := d.publish(ctx, d.topic, BulkSyncMessage{RunId: run.ID, CompanyId: companyId}, d.createTopic)
		if err == nil {
			d.engine.logger.WithFields(logrus.Fields{
				"module":     "erpsync",
				"run_id":     run.ID,
				"message_id": msgId,
			}).Info("bulk sync queued")
			return run, nil
		}
		config.LogError(d.engine.logger, "erpsync", "Trigger", "publish bulk sync; running in process", run.ID, err)
	}

	bg := appctx.WithCorrelationId(context.Background(), appctx.CorrelationId(ctx))
	go func() {
		if err := d.Execute(bg, run); err != nil {
			config.LogError(d.engine.logger, "erpsync", "Trigger", "bulk sync run", run.ID, err)
		}
	}()
	return run, nil
}

// Execute runs the bulk sync for run and stores its counters. A rate-limit abort finishes the
// run as aborted and is not returned as an error; only infrastructure failures are.
func (d *Dispatcher) Execute(ctx context.Context, run *models.SyncRun) error {
	if run.IsFinished() {
		return nil
	}
	if d.engine.orders == nil {
		return errors.New("erpsync: no order repository configured")
	}
	if run.TriggeredBy != "" {
		ctx = appctx.WithTrigger(ctx, run.TriggeredBy)
	}
	clock := d.engine.clock
	if err := d.runs.MarkRunning(ctx, run, clock.Now()); err != nil {
		return err
	}

	orders, err := d.engine.orders.ListAutoSync(ctx, run.CompanyId)
	if err != nil {
		run.Status = models.SyncRunStatusFailed
		_ = d.runs.Finish(ctx, run, clock.Now())
		return fmt.Errorf("list orders: %w", err)
	}

	res, err := d.engine.SyncAllAndSave(ctx, orders)
	var aborted *BatchAbortedError
	switch {
	case errors.As(err, &aborted):
		run.Status = models.SyncRunStatusAborted
		err = nil
	case err != nil:
		run.Status = models.SyncRunStatusFailed
	case res.Errors > 0:
		run.Status = models.SyncRunStatusPartial
	default:
		run.Status = models.SyncRunStatusSuccess
	}
	if res != nil {
		run.Total = res.Total
		run.Synced = res.Synced
		run.NotFound = res.NotFound
		run.ErrorCount = res.Errors
		run.Remaining = res.Remaining
		for _, f := range res.Failures {
			retryable := f.Kind == tinyerp.KindRateLimited.String() || f.Kind == tinyerp.KindTransport.String()
			if recErr := d.runs.RecordError(ctx, run.ID, f.OrderId, f.Kind, f.Error, retryable); recErr != nil {
				config.LogError(d.engine.logger, "erpsync", "Execute", "record run error", f.OrderId, recErr)
			}
		}
	}
	if finErr := d.runs.Finish(ctx, run, clock.Now()); finErr != nil && err == nil {
		err = finErr
	}
	return err
}

// PubSubPushHandler executes runs delivered by a Pub/Sub push subscription.
// Malformed or already-processed messages are acked with 204; failures answer 500 so Pub/Sub redelivers.
func (d *Dispatcher) PubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var msg BulkSyncMessage
		if err := json.Unmarshal(envelope.Message.Data, &msg); err != nil || msg.RunId == 0 {
			c.Status(http.StatusNoContent)
			return
		}

		ctx := appctx.WithTrigger(c.Request.Context(), models.SyncTriggeredPubSub)
		messageId := envelope.Message.ID
		if messageId == "" {
			messageId = fmt.Sprintf("run-%d", msg.RunId)
		}

		if d.keys != nil {
			skip, err := d.keys.Begin(ctx, msg.CompanyId, pushHandlerName, messageId)
			if errors.Is(err, models.ErrIdempotencyInProgress) {
				c.Status(http.StatusConflict)
				return
			} else if err != nil {
				config.LogError(d.engine.logger, "erpsync", "PubSubPushHandler", "idempotency begin", messageId, err)
				c.Status(http.StatusInternalServerError)
				return
			}
			if skip {
				c.Status(http.StatusNoContent)
				return
			}
		}

		run, err := d.runs.Get(ctx, msg.RunId)
		if errors.Is(err, models.ErrNotFound) {
			d.markSucceeded(ctx, msg.CompanyId, messageId)
			c.Status(http.StatusNoContent)
			return
		} else if err != nil {
			d.markFailed(ctx, msg.CompanyId, messageId, err)
			c.Status(http.StatusInternalServerError)
			return
		}

		if err := d.Execute(ctx, run); err != nil {
			config.LogError(d.engine.logger, "erpsync", "PubSubPushHandler", "execute run", run.ID, err)
			d.markFailed(ctx, msg.CompanyId, messageId, err)
			c.Status(http.StatusInternalServerError)
			return
		}
		d.markSucceeded(ctx, msg.CompanyId, messageId)
		c.Status(http.StatusNoContent)
	}
}

func (d *Dispatcher) markSucceeded(ctx context.Context, companyId, messageId string) {
	if d.keys == nil {
		return
	}
	if err := d.keys.MarkSucceeded(ctx, companyId, pushHandlerName, messageId); err != nil {
		config.LogError(d.engine.logger, "erpsync", "PubSubPushHandler", "idempotency succeeded", messageId, err)
	}
}

func (d *Dispatcher) markFailed(ctx context.Context, companyId, messageId string, cause error) {
	if d.keys == nil {
		return
	}
	if err := d.keys.MarkFailed(ctx, companyId, pushHandlerName, messageId, cause); err != nil {
		config.LogError(d.engine.logger, "erpsync", "PubSubPushHandler", "idempotency failed", messageId, err)
	}
}
