// Package queue defines how jobs travel from producers (the campaign
// orchestrator, the ops API) to the dispatcher, independent of the driver.
//
// Drivers live in subpackages: memory keeps jobs in-process, rabbitmq uses a
// RabbitMQ broker shared by several worker processes. Both execute jobs on
// the task engine worker pool.
package queue

import (
	"context"
	"errors"
	"time"

	"promobot/internal/eventbus"
	"promobot/internal/jobs"
	"promobot/internal/task/engine"
	logx "promobot/pkg/logx"
)

// MaxPriority is the highest job priority a driver honours.
const MaxPriority = 10

var ErrClosed = errors.New("queue closed")

type EnqueueOptions struct {
	// Delay postpones the first dispatch.
	Delay time.Duration
	// Priority orders ready jobs; larger runs first. Clamped to [0, MaxPriority].
	Priority int
}

// Handler runs one job attempt. jobs.Dispatcher.Handle satisfies it.
type Handler func(ctx context.Context, job jobs.Job) (any, error)

type Producer interface {
	// Enqueue stores job and returns its id.
	Enqueue(ctx context.Context, job jobs.Job, opt EnqueueOptions) (string, error)
	// CancelCampaign drops pending jobs of a campaign and returns how many
	// were removed. Drivers that cannot reach into the broker return 0; the
	// dispatcher still refuses jobs of inactive campaigns.
	CancelCampaign(ctx context.Context, campaignID string) (int, error)
}

type Stats struct {
	Driver    string `json:"driver"`
	Ready     int    `json:"ready"`
	Delayed   int    `json:"delayed"`
	Consumers int    `json:"consumers,omitempty"`
}

type Queue interface {
	Producer
	// Run consumes jobs until ctx ends or the driver loses its transport.
	Run(ctx context.Context, h Handler) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Submitter is the task engine surface the drivers run jobs on.
type Submitter interface {
	Submit(ctx context.Context, t engine.Task) error
}

// ClampPriority bounds p to [0, MaxPriority].
func ClampPriority(p int) int {
	switch {
	case p < 0:
		return 0
	case p > MaxPriority:
		return MaxPriority
	}
	return p
}

// Finished logs the outcome of a job and publishes job.finished.
func Finished(log logx.Logger, bus eventbus.Bus, job jobs.Job, res any, err error, attempts int) {
	data := eventbus.JobData{JobID: job.ID, Type: string(job.Type), CampaignID: job.CampaignID, Attempts: attempts, Result: res}
	if err != nil {
		data.Error = err.Error()
		log.Warn("job failed",
			logx.String("job_id", job.ID),
			logx.String("type", string(job.Type)),
			logx.Int("attempts", attempts),
			logx.Err(err),
		)
	} else {
		log.Info("job done", logx.String("job_id", job.ID), logx.String("type", string(job.Type)), logx.Int("attempts", attempts))
	}
	if bus != nil {
		bus.Publish(eventbus.Event{Type: eventbus.TypeJobFinished, Time: time.Now(), Data: data})
	}
}
