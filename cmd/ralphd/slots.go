package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"ralphd/internal/slot"
)

func newSlotsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Inspect and configure slot capacity",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list [project]",
			Short: "List active slots, or a project's capacity report",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.with(cmd.Context(), func(ctx context.Context) error {
					if len(args) == 1 {
						return a.printCapacity(ctx, args[0])
					}
					return a.printActiveSlots(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "set-capacity <project> <category> <capacity>",
			Short: "Override a category's capacity for a project",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				cat, err := slot.ParseCategory(args[1])
				if err != nil {
					return err
				}
				n, err := strconv.Atoi(args[2])
				if err != nil {
					return fmt.Errorf("capacity: %w", err)
				}
				return a.with(cmd.Context(), func(ctx context.Context) error {
					if err := a.slots.SetCapacity(ctx, args[0], slot.Capacities{cat: n}); err != nil {
						return err
					}
					return a.printCapacity(ctx, args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "release <slot-id>",
			Short: "Release a slot by id",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.with(cmd.Context(), func(ctx context.Context) error {
					if err := a.slots.Release(ctx, args[0]); err != nil {
						return err
					}
					writef(a.out, "released %s\n", args[0])
					return nil
				})
			},
		},
	)
	return cmd
}

func (a *app) printCapacity(ctx context.Context, projectID string) error {
	report, err := a.slots.Capacity(ctx, projectID)
	if err != nil {
		return err
	}
	writef(a.out, "project %s\n", report.ProjectID)
	writef(a.out, "  %-18s %8s %6s %6s %9s\n", "CATEGORY", "CAPACITY", "USED", "SLOTS", "AVAILABLE")
	for _, u := range report.Categories {
		writef(a.out, "  %-18s %8d %6d %6d %9d\n", u.Category, u.Capacity, u.Used, u.Active, u.Available)
	}
	return nil
}

func (a *app) printActiveSlots(ctx context.Context) error {
	active, err := a.store.AllActiveSlots(ctx)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		writef(a.out, "no active slots\n")
		return nil
	}
	writef(a.out, "%-36s  %-16s %-18s %6s  %s\n", "SLOT", "PROJECT", "CATEGORY", "WEIGHT", "ACQUIRED")
	for _, s := range active {
		writef(a.out, "%-36s  %-16s %-18s %6d  %s\n", s.ID, s.ProjectID, s.Category, s.Weight, s.AcquiredAt.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}
