// Package trigger fires pipeline runs from cron schedules and inbound
// webhooks declared in agent manifests.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/orbist/conductor/internal/manifest"
	"github.com/orbist/conductor/internal/pipeline"
)

// runTimeout bounds a single triggered pipeline run.
const runTimeout = 30 * time.Minute

// Runner executes pipeline runs on behalf of triggers.
type Runner interface {
	Run(ctx context.Context, req *pipeline.RunRequest) (*pipeline.RunResult, error)
}

// systemActor is the principal attached to machine-initiated runs. It carries
// the wildcard permission so agent permission lists never block a trigger.
func systemActor(source, tenantID string) *pipeline.Actor {
	return &pipeline.Actor{
		UserID:      "system:" + source,
		Role:        "system",
		Permissions: []string{pipeline.PermissionWildcard},
		TenantID:    tenantID,
	}
}

// Scheduler runs agents on their manifest cron schedules.
// Cron expressions use the standard 5-field format: minute hour day-of-month
// month day-of-week (e.g. "0 9 * * 1-5" for 09:00 on weekdays).
type Scheduler struct {
	cron     *cron.Cron
	runner   Runner
	tenantID string
}

// NewScheduler creates a scheduler. Scheduled runs are attributed to the
// given tenant.
func NewScheduler(runner Runner, tenantID string) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		runner:   runner,
		tenantID: tenantID,
	}
}

// RegisterAgent adds cron entries for every schedule in the manifest.
func (s *Scheduler) RegisterAgent(m *manifest.Manifest) error {
	agentID := m.ID

	for _, sched := range m.Schedules {
		prompt := sched.Prompt
		desc := sched.Description

		_, err := s.cron.AddFunc(sched.Cron, func() {
			ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
			defer cancel()

			log.Info().
				Str("agent_id", agentID).
				Str("description", desc).
				Msg("scheduled_trigger_fired")

			res, err := s.runner.Run(ctx, &pipeline.RunRequest{
				AgentID:  agentID,
				Prompt:   prompt,
				Actor:    systemActor("scheduler", s.tenantID),
				TenantID: s.tenantID,
			})
			if err != nil {
				log.Error().Err(err).
					Str("agent_id", agentID).
					Msg("scheduled_trigger_failed")
				return
			}
			log.Info().
				Str("agent_id", agentID).
				Str("run_id", res.RunID).
				Str("status", res.Status).
				Msg("scheduled_trigger_completed")
		})
		if err != nil {
			return fmt.Errorf("registering cron %q for agent %s: %w", sched.Cron, agentID, err)
		}
	}

	return nil
}

// RegisterAll adds cron entries for every agent in the registry.
func (s *Scheduler) RegisterAll(reg *manifest.Registry) error {
	for _, m := range reg.All() {
		if err := s.RegisterAgent(m); err != nil {
			return err
		}
	}
	return nil
}

// Start begins executing registered cron jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to complete.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered cron entries.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
