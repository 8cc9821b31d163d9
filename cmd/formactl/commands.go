package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"formaos.app/internal/auth"
	"formaos.app/internal/automation"
	"formaos.app/internal/onboarding"
)

func newScoreCmd(flags *globalFlags) *cobra.Command {
	var save, summary bool
	cmd := &cobra.Command{
		Use:   "score <org-id>",
		Short: "Calculate an organization's compliance score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID := args[0]
			return run(cmd, flags, func(ctx context.Context, s *session) (any, error) {
				switch {
				case summary:
					if _, err := s.Compliance.Update(ctx, orgID); err != nil {
						return nil, err
					}
					return s.Compliance.Summary(ctx, orgID)
				case save:
					return s.Compliance.Update(ctx, orgID)
				default:
					return s.Compliance.Calculate(ctx, orgID)
				}
			})
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "Persist the evaluation")
	cmd.Flags().BoolVar(&summary, "summary", false, "Persist and print the dashboard summary")
	return cmd
}

type automationFlags struct {
	org        string
	entityID   string
	entityType string
	meta       map[string]string
}

func (f *automationFlags) bind(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.org, "org", "", "Organization id")
	fs.StringVar(&f.entityID, "entity", "", "Entity id")
	fs.StringVar(&f.entityType, "entity-type", "", "Entity type")
	fs.StringToStringVar(&f.meta, "meta", nil, "Metadata as key=value pairs")
	_ = cmd.MarkFlagRequired("org")
}

func (f *automationFlags) metadata() map[string]any {
	if len(f.meta) == 0 {
		return nil
	}
	out := make(map[string]any, len(f.meta))
	for k, v := range f.meta {
		out[k] = v
	}
	return out
}

func newTriggerCmd(flags *globalFlags) *cobra.Command {
	var af automationFlags
	cmd := &cobra.Command{
		Use:   "trigger <type>",
		Short: "Run one automation trigger",
		Long:  "Run one automation trigger. Types: " + joinTriggers(),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := automation.ParseTriggerType(args[0])
			if err != nil {
				return err
			}
			return run(cmd, flags, func(ctx context.Context, s *session) (any, error) {
				return s.Automation.Process(ctx, automation.TriggerEvent{
					Type:           typ,
					OrganizationID: af.org,
					EntityID:       af.entityID,
					EntityType:     af.entityType,
					Metadata:       af.metadata(),
					TriggeredAt:    time.Now().UTC(),
				}), nil
			})
		},
	}
	af.bind(cmd)
	return cmd
}

func newEventCmd(flags *globalFlags) *cobra.Command {
	var af automationFlags
	cmd := &cobra.Command{
		Use:   "event <type>",
		Short: "Emit a database event through the automation hooks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := automation.ParseEventType(args[0])
			if err != nil {
				return err
			}
			return run(cmd, flags, func(ctx context.Context, s *session) (any, error) {
				out := s.Hooks.Emit(ctx, automation.DatabaseEvent{
					Type:           typ,
					OrganizationID: af.org,
					EntityID:       af.entityID,
					EntityType:     af.entityType,
					Metadata:       af.metadata(),
					Timestamp:      time.Now().UTC(),
				})
				if out.Err != nil {
					return nil, fmt.Errorf("event dead-lettered: %w", out.Err)
				}
				return automation.EventOutcome{Triggered: out.Triggered, Result: out.Result}, nil
			})
		},
	}
	af.bind(cmd)
	return cmd
}

func newScheduledCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduled",
		Short: "Run scheduled automation checks",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run every scheduled check",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd, flags, func(ctx context.Context, s *session) (any, error) {
					return s.Scheduler.Run(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "check <kind>",
			Short: "Run one scheduled check (evidence, policies, tasks, certifications, scores)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				kind, err := automation.ParseCheckKind(args[0])
				if err != nil {
					return err
				}
				return run(cmd, flags, func(ctx context.Context, s *session) (any, error) {
					return s.Scheduler.RunCheck(ctx, kind)
				})
			},
		},
	)
	return cmd
}

func newChecklistCmd(flags *globalFlags) *cobra.Command {
	var org string
	cmd := &cobra.Command{
		Use:   "checklist [industry]",
		Short: "Print the onboarding checklist, scored against --org when given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			industry := ""
			if len(args) == 1 {
				industry = args[0]
			}
			if org == "" {
				items := onboarding.GenericChecklist()
				if industry != "" {
					items = onboarding.GenerateChecklist(onboarding.RoadmapFor(industry).IndustryID)
				}
				return printJSON(cmd.OutOrStdout(), items)
			}
			return run(cmd, flags, func(ctx context.Context, s *session) (any, error) {
				return onboarding.BuildReport(ctx, s.Onboarding, org, industry)
			})
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Score the checklist against this organization")
	return cmd
}

func newDeadLettersCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "Inspect and replay failed automation work",
	}

	var listLimit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List unresolved dead letters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, flags, func(ctx context.Context, s *session) (any, error) {
				return s.backend.PendingDeadLetters(ctx, listLimit)
			})
		},
	}
	list.Flags().IntVar(&listLimit, "limit", 50, "Maximum entries")

	var replayLimit int
	replay := &cobra.Command{
		Use:   "replay",
		Short: "Re-dispatch unresolved dead letters, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, flags, func(ctx context.Context, s *session) (any, error) {
				return s.Replayer.Replay(ctx, replayLimit)
			})
		},
	}
	replay.Flags().IntVar(&replayLimit, "limit", 50, "Maximum entries to replay")

	cmd.AddCommand(list, replay)
	return cmd
}

func newTokenCmd(defaultSecret string) *cobra.Command {
	var (
		secret string
		org    string
		roles  []string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Sign an API bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := auth.NewSigner(secret)
			if err != nil {
				return fmt.Errorf("%w (use --secret or FORMAOS_AUTH_SECRET)", err)
			}
			token, err := signer.GenerateToken(args[0], org, roles, ttl)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"access_token": token,
				"token_type":   "Bearer",
				"expires_in":   int(ttl.Seconds()),
			})
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&secret, "secret", defaultSecret, "Signing secret")
	fs.StringVar(&org, "org", "", "Organization id")
	fs.StringSliceVar(&roles, "roles", []string{auth.RoleMember}, "Comma-separated roles")
	fs.DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}

func joinTriggers() string {
	names := make([]string, 0, len(automation.AllTriggerTypes))
	for _, t := range automation.AllTriggerTypes {
		names = append(names, string(t))
	}
	return strings.Join(names, ", ")
}
