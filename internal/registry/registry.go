// Package registry is the write-side API for job definitions: create, edit,
// enable, disable, delete, and manual triggering. The scheduler only reads
// what the registry has written.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"chronod/internal/cronspec"
	"chronod/internal/storage"
	"chronod/pkg/logx"
)

var (
	ErrNotFound    = errors.New("job not found")
	ErrDuplicate   = errors.New("job already exists")
	ErrInvalidCron = errors.New("invalid cron expression")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type Registry struct {
	store storage.Store
	log   logx.Logger
}

func New(store storage.Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{store: store, log: log}
}

type AddParams struct {
	Name           string `validate:"required,max=128"`
	Cron           string `validate:"required"`
	Command        string `validate:"required"`
	WorkingDir     string
	TimeoutSeconds int `validate:"gte=0,lte=86400"`
	Tags           []string
	Disabled       bool
}

// Add registers a new job. Unless disabled, its first next_run is computed
// immediately so the polling loop can pick it up.
func (r *Registry) Add(ctx context.Context, p AddParams) (*storage.Job, error) {
	p.Name = strings.TrimSpace(p.Name)
	p.Cron = strings.TrimSpace(p.Cron)
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("invalid job: %w", err)
	}
	if !cronspec.IsValid(p.Cron) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCron, p.Cron)
	}

	existing, err := r.store.GetJob(ctx, p.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %q", ErrDuplicate, p.Name)
	}

	job := storage.Job{
		Name:           p.Name,
		Cron:           p.Cron,
		Command:        p.Command,
		WorkingDir:     strings.TrimSpace(p.WorkingDir),
		Enabled:        !p.Disabled,
		TimeoutSeconds: p.TimeoutSeconds,
		Tags:           joinTags(p.Tags),
	}
	if job.Enabled {
		job.NextRun = cronspec.Next(job.Cron, time.Now())
	}

	id, err := r.store.AddJob(ctx, &job)
	if err != nil {
		return nil, err
	}
	job.ID = id
	r.log.Info("job registered",
		logx.String("job", job.Name), logx.String("cron", job.Cron),
		logx.Bool("enabled", job.Enabled))
	return &job, nil
}

// EditParams updates only the fields whose pointers are non-nil.
type EditParams struct {
	Cron           *string
	Command        *string
	WorkingDir     *string
	TimeoutSeconds *int
	Tags           *[]string
}

// Edit applies a partial update. A cron change recomputes next_run from now,
// so the new schedule takes effect without waiting for the next completion.
func (r *Registry) Edit(ctx context.Context, name string, p EditParams) (*storage.Job, error) {
	job, err := r.store.GetJob(ctx, name)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	cronChanged := false
	if p.Cron != nil {
		expr := strings.TrimSpace(*p.Cron)
		if !cronspec.IsValid(expr) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCron, expr)
		}
		cronChanged = expr != job.Cron
		job.Cron = expr
	}
	if p.Command != nil {
		if strings.TrimSpace(*p.Command) == "" {
			return nil, errors.New("command must not be empty")
		}
		job.Command = *p.Command
	}
	if p.WorkingDir != nil {
		job.WorkingDir = strings.TrimSpace(*p.WorkingDir)
	}
	if p.TimeoutSeconds != nil {
		if *p.TimeoutSeconds < 0 || *p.TimeoutSeconds > 86400 {
			return nil, fmt.Errorf("timeout out of range: %d", *p.TimeoutSeconds)
		}
		job.TimeoutSeconds = *p.TimeoutSeconds
	}
	if p.Tags != nil {
		job.Tags = joinTags(*p.Tags)
	}
	if cronChanged && job.Enabled {
		job.NextRun = cronspec.Next(job.Cron, time.Now())
	}

	if err := r.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	r.log.Info("job updated", logx.String("job", job.Name), logx.Bool("cron_changed", cronChanged))
	return job, nil
}

// Enable re-enables a job and recomputes next_run from now, so a long-disabled
// job does not fire immediately on a stale timestamp.
func (r *Registry) Enable(ctx context.Context, name string) error {
	job, err := r.store.GetJob(ctx, name)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if _, err := r.store.SetJobEnabled(ctx, name, true); err != nil {
		return err
	}
	if err := r.store.UpdateNextRun(ctx, job.ID, cronspec.Next(job.Cron, time.Now())); err != nil {
		return err
	}
	r.log.Info("job enabled", logx.String("job", name))
	return nil
}

func (r *Registry) Disable(ctx context.Context, name string) error {
	ok, err := r.store.SetJobEnabled(ctx, name, false)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	r.log.Info("job disabled", logx.String("job", name))
	return nil
}

// Delete removes the job definition. Its run history stays behind until the
// retention purge ages it out.
func (r *Registry) Delete(ctx context.Context, name string) error {
	ok, err := r.store.DeleteJob(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	r.log.Info("job deleted", logx.String("job", name))
	return nil
}

// Trigger makes the job due right now by backdating next_run. The polling
// loop executes it on its next pass; overlap suppression still applies.
func (r *Registry) Trigger(ctx context.Context, name string) error {
	job, err := r.store.GetJob(ctx, name)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if !job.Enabled {
		return fmt.Errorf("job %q is disabled", name)
	}
	now := time.Now().UTC()
	if err := r.store.UpdateNextRun(ctx, job.ID, &now); err != nil {
		return err
	}
	r.log.Info("job triggered", logx.String("job", name))
	return nil
}

func joinTags(tags []string) string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	return strings.Join(out, ",")
}
