package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/lessonsync/internal/storage"
	"github.com/example/lessonsync/pkg/models"
)

const closeTimeout = 10 * time.Second

// withApp opens the engine, runs fn and always closes it
func withApp(cmd *cobra.Command, fn func(a *app) error) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a := openApp(cmd.Context(), cfg, false)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if closeErr := a.Close(ctx); closeErr != nil && err == nil {
			err = fmt.Errorf("close: %w", closeErr)
		}
	}()
	return fn(a)
}

func addKeyFlags(cmd *cobra.Command, level *string, module *int) {
	cmd.Flags().StringVar(level, "level", "", "Lesson level, e.g. A1")
	cmd.Flags().IntVar(module, "module", 0, "Module number within the level")
	_ = cmd.MarkFlagRequired("level")
	_ = cmd.MarkFlagRequired("module")
}

func newSaveCmd() *cobra.Command {
	var (
		level     string
		module    int
		question  int
		total     int
		phase     string
		choice    string
		correct   bool
		completed bool
		user      string
	)

	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save a checkpoint",
		Long: `Save a checkpoint locally and push it to the remote service.

The checkpoint is queued for retry when the remote service cannot be reached.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := models.ParsePhase(phase)
			if err != nil {
				return err
			}
			c := models.Checkpoint{
				UserID:            user,
				Level:             level,
				ModuleID:          module,
				QuestionIndex:     question,
				TotalQuestions:    total,
				QuestionPhase:     p,
				IsModuleCompleted: completed,
			}
			if cmd.Flags().Changed("choice") {
				c.SelectedChoice = &choice
			}
			if cmd.Flags().Changed("correct") {
				c.IsCorrect = &correct
			}

			return withApp(cmd, func(a *app) error {
				a.svc.SetUser(user)
				if err := a.svc.SaveCheckpoint(c); err != nil {
					return fmt.Errorf("save checkpoint: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", c.Key())
				return nil
			})
		},
	}

	addKeyFlags(cmd, &level, &module)
	cmd.Flags().IntVar(&question, "question", 0, "Current question index")
	cmd.Flags().IntVar(&total, "total", 0, "Number of questions in the module")
	cmd.Flags().StringVar(&phase, "phase", string(models.PhaseMCQ), "Question phase: MCQ, SPEAK_READY, AWAITING_FEEDBACK or COMPLETED")
	cmd.Flags().StringVar(&choice, "choice", "", "Selected multiple-choice answer")
	cmd.Flags().BoolVar(&correct, "correct", false, "Whether the selected answer was correct")
	cmd.Flags().BoolVar(&completed, "completed", false, "Mark the module completed")
	cmd.Flags().StringVar(&user, "user", "", "Authenticated user id; empty for guest")
	return cmd
}

func newLoadCmd() *cobra.Command {
	var (
		level  string
		module int
		user   string
	)

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Show the saved checkpoint for a module",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key := models.Key{Level: level, ModuleID: module}
			return withApp(cmd, func(a *app) error {
				c := a.svc.LoadProgress(cmd.Context(), user, key)
				if c == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "no progress for %s\n", key)
					return nil
				}
				return printJSON(cmd.OutOrStdout(), c)
			})
		},
	}

	addKeyFlags(cmd, &level, &module)
	cmd.Flags().StringVar(&user, "user", "", "Read remote progress for this user when online")
	return cmd
}

func newSyncCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Retry queued checkpoints now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				a.svc.SetUser(user)
				return printJSON(cmd.OutOrStdout(), a.svc.SyncOfflineQueue(cmd.Context()))
			})
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "User to send guest checkpoints for")
	return cmd
}

func newMergeCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Reconcile local progress with a user's remote progress",
		Long: `Reconcile local progress with a user's remote progress.

Local checkpoints newer than the remote copy are uploaded. Every checkpoint
that is reconciled is removed from local storage.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				a.svc.SetUser(user)
				return printJSON(cmd.OutOrStdout(), a.svc.MergeProgressOnLogin(cmd.Context(), user))
			})
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "User signing in")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

type statusOutput struct {
	models.SyncStatus
	Mirrored int          `json:"mirrored"`
	Tiers    []tierOutput `json:"tiers"`
}

type tierOutput struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
	Error string `json:"error,omitempty"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, pending checkpoints and storage tiers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				out := statusOutput{
					SyncStatus: a.svc.GetSyncStatus(cmd.Context()),
					Mirrored:   a.mirror.Count(),
				}
				for _, stat := range a.store.Stats(cmd.Context()) {
					out.Tiers = append(out.Tiers, tierFrom(stat))
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}

func tierFrom(stat storage.TierStat) tierOutput {
	t := tierOutput{Name: stat.Name, Count: stat.Count}
	if stat.Err != nil {
		t.Error = stat.Err.Error()
	}
	return t
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete all local progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				if err := a.svc.ClearAllProgress(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cleared all local progress")
				return nil
			})
		},
	}
}
