package worker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"mailnexy/utils"
)

// Ticker calls a job on a fixed interval until its context is cancelled.
// Runs never overlap: a slow run delays the next tick.
type Ticker struct {
	Name         string
	Interval     time.Duration
	InitialDelay time.Duration
	Job          func(ctx context.Context) error
	logger       *logrus.Entry
}

func NewTicker(name string, interval time.Duration, job func(ctx context.Context) error) *Ticker {
	return &Ticker{
		Name:     name,
		Interval: interval,
		Job:      job,
		logger:   utils.Component(name),
	}
}

// NewDeliveryTicker runs the delivery scheduler. A run skipped because another
// process holds the lock is not an error.
func NewDeliveryTicker(w *DeliveryWorker, interval time.Duration, opts RunOptions) *Ticker {
	return NewTicker("delivery_ticker", interval, func(ctx context.Context) error {
		_, err := w.Run(ctx, opts)
		if errors.Is(err, ErrRunInProgress) {
			return nil
		}
		return err
	})
}

func NewReplyTicker(w *ReplyWorker, interval time.Duration, opts ReplyRunOptions) *Ticker {
	return NewTicker("reply_ticker", interval, func(ctx context.Context) error {
		_, err := w.Run(ctx, opts)
		return err
	})
}

// Start blocks until ctx is done.
func (t *Ticker) Start(ctx context.Context) {
	if t.InitialDelay > 0 {
		select {
		case <-time.After(t.InitialDelay):
		case <-ctx.Done():
			return
		}
	}

	t.logger.WithField("interval", t.Interval.String()).Info("Worker started")
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	t.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("Worker shutting down...")
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *Ticker) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.WithField("panic", r).Error("Worker run panicked")
		}
	}()
	if err := t.Job(ctx); err != nil && !errors.Is(err, context.Canceled) {
		utils.LogError(t.Name+"_run_failed", err, nil)
	}
}
