package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mtoly/XrayIPGuard/common/storage"
	"github.com/Mtoly/XrayIPGuard/config"
	"github.com/Mtoly/XrayIPGuard/daemon"
	"github.com/Mtoly/XrayIPGuard/service/guard"
)

func init() {
	rootCmd.AddCommand(limitCmd, whitelistCmd, disabledCmd, statusCmd, cleanupCmd)

	limitCmd.AddCommand(limitListCmd, limitSetCmd, limitDelCmd)
	whitelistCmd.AddCommand(whitelistListCmd, whitelistAddCmd, whitelistDelCmd)
	disabledCmd.AddCommand(disabledListCmd, disabledEnableCmd, disabledEnableAllCmd, disabledClearCmd)
}

// adminGuard builds the guard without starting the daemon loops, for
// one-shot admin operations against the stores and the panel.
func adminGuard() (*guard.Guard, error) {
	cfg, err := loadConfig(getViper())
	if err != nil {
		return nil, err
	}
	return daemon.New(cfg).Guard(), nil
}

func adminContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Minute)
}

var limitCmd = &cobra.Command{
	Use:   "limit",
	Short: "Manage per-user IP limits",
}

var limitListCmd = &cobra.Command{
	Use:   "list",
	Short: "List special limits",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := newConfigStore()
		limits := store.SpecialLimits()
		if len(limits) == 0 {
			fmt.Println("no special limits configured")
			return nil
		}
		users := make([]string, 0, len(limits))
		for u := range limits {
			users = append(users, u)
		}
		sort.Strings(users)
		for _, u := range users {
			fmt.Printf("%s: %d\n", u, limits[u])
		}
		return nil
	},
}

var limitSetCmd = &cobra.Command{
	Use:   "set <username> <limit>",
	Short: "Set a special limit for one user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var limit int
		if _, err := fmt.Sscanf(args[1], "%d", &limit); err != nil {
			return fmt.Errorf("limit must be a number: %q", args[1])
		}
		if err := newConfigStore().SetSpecialLimit(args[0], limit); err != nil {
			return err
		}
		fmt.Printf("limit of %s set to %d\n", args[0], limit)
		return nil
	},
}

var limitDelCmd = &cobra.Command{
	Use:   "del <username>",
	Short: "Remove a user's special limit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newConfigStore().RemoveSpecialLimit(args[0]); err != nil {
			return err
		}
		fmt.Printf("special limit of %s removed\n", args[0])
		return nil
	},
}

var whitelistCmd = &cobra.Command{
	Use:   "whitelist",
	Short: "Manage the user whitelist",
}

var whitelistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List whitelisted users",
	RunE: func(cmd *cobra.Command, args []string) error {
		users := newConfigStore().ExceptUsers()
		if len(users) == 0 {
			fmt.Println("whitelist is empty")
			return nil
		}
		for _, u := range users {
			fmt.Println(u)
		}
		return nil
	},
}

var whitelistAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Whitelist a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newConfigStore().AddExceptUser(args[0]); err != nil {
			return err
		}
		fmt.Printf("%s whitelisted\n", args[0])
		return nil
	},
}

var whitelistDelCmd = &cobra.Command{
	Use:   "del <username>",
	Short: "Remove a user from the whitelist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newConfigStore().RemoveExceptUser(args[0]); err != nil {
			return err
		}
		fmt.Printf("%s removed from whitelist\n", args[0])
		return nil
	},
}

var disabledCmd = &cobra.Command{
	Use:   "disabled",
	Short: "Inspect and manage disabled users",
}

var disabledListCmd = &cobra.Command{
	Use:   "list",
	Short: "List disabled users with their remaining time",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(getViper())
		if err != nil {
			return err
		}
		store := storage.NewDisabledStore(disabledPath(cfg))
		entries := store.List()
		if len(entries) == 0 {
			fmt.Println("no disabled users")
			return nil
		}
		defaultSeconds := int64(cfg.Timing.TimeToActiveUsers)
		for _, e := range entries {
			switch remaining := store.RemainingSeconds(e.Username, defaultSeconds); remaining {
			case storage.RemainingPermanent:
				fmt.Printf("%s: permanent\n", e.Username)
			default:
				fmt.Printf("%s: %s remaining\n", e.Username, time.Duration(remaining)*time.Second)
			}
		}
		return nil
	},
}

var disabledEnableCmd = &cobra.Command{
	Use:   "enable <username>",
	Short: "Re-enable one disabled user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := adminGuard()
		if err != nil {
			return err
		}
		ctx, cancel := adminContext()
		defer cancel()
		if err := g.ReenableOne(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("%s re-enabled\n", args[0])
		return nil
	},
}

var disabledEnableAllCmd = &cobra.Command{
	Use:   "enable-all",
	Short: "Re-enable every disabled user",
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := adminGuard()
		if err != nil {
			return err
		}
		ctx, cancel := adminContext()
		defer cancel()
		enabled, failed := g.EnableAll(ctx)
		fmt.Printf("%d users re-enabled", enabled)
		if len(failed) > 0 {
			fmt.Printf(", %d failed: %v", len(failed), failed)
		}
		fmt.Println()
		return nil
	},
}

var disabledClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop all disabled records without touching the panel",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(getViper())
		if err != nil {
			return err
		}
		store := storage.NewDisabledStore(disabledPath(cfg))
		n := store.Len()
		store.Clear()
		fmt.Printf("%d disabled records cleared\n", n)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show guard status",
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := adminGuard()
		if err != nil {
			return err
		}
		s := g.Status()
		fmt.Printf("active warnings:  %d\n", s.ActiveWarnings)
		fmt.Printf("disabled users:   %d\n", s.DisabledUsers)
		fmt.Printf("group backups:    %d\n", s.GroupBackups)
		fmt.Printf("host cpu/mem/disk: %.1f%% / %.1f%% / %.1f%%\n", s.CPUPercent, s.MemPercent, s.DiskPercent)
		fmt.Printf("host uptime:      %.1fh\n", s.HostUptimeHours)
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove state for users deleted from the panel",
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := adminGuard()
		if err != nil {
			return err
		}
		ctx, cancel := adminContext()
		defer cancel()
		report, err := g.Cleanup(ctx, newConfigStore())
		if err != nil {
			return err
		}
		fmt.Printf("panel users: %d\n", report.PanelUsers)
		fmt.Printf("removed: %d limits, %d whitelist entries, %d disabled records, %d history entries\n",
			len(report.RemovedLimits), len(report.RemovedExcept), len(report.RemovedDisabled), len(report.RemovedHistory))
		return nil
	},
}

func disabledPath(cfg *config.Config) string {
	return filepath.Join(cfg.Storage.DataDir, daemon.DisabledFile)
}
