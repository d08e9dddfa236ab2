package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/qs3c/lensgen_server/client"
	"github.com/qs3c/lensgen_server/internal/model/dto"
)

func newQuotaCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "quota [count]",
		Short: "Show remaining credits, answering from the local cache when it is fresh",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := 1
			if len(args) == 1 {
				v, err := strconv.Atoi(args[0])
				if err != nil || v < 1 {
					return fmt.Errorf("invalid count %q", args[0])
				}
				n = v
			}

			ok, snap, err := a.quota.CheckQuota(cmd.Context(), a.userID, n)
			if err != nil {
				return err
			}

			headerColor.Fprintln(a.out, "--- Credits ---")
			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "%s\t%d\n", labelColor.Sprint("Total"), snap.TotalQuota)
			fmt.Fprintf(w, "%s\t%d\n", labelColor.Sprint("Used"), snap.UsedCount)
			fmt.Fprintf(w, "%s\t%d\n", labelColor.Sprint("Remaining"), snap.RemainingQuota)
			fmt.Fprintf(w, "%s\t%s\n", labelColor.Sprint("As of"), snap.FetchedAt.Local().Format(time.DateTime))
			_ = w.Flush()

			if ok {
				goodColor.Fprintf(a.out, "enough for %d image(s)\n", n)
			} else {
				badColor.Fprintf(a.out, "not enough for %d image(s)\n", n)
			}
			return nil
		},
	}
}

func newReserveCmd(a *app) *cobra.Command {
	var (
		count    int
		taskType string
	)
	cmd := &cobra.Command{
		Use:   "reserve <task-id>",
		Short: "Reserve credits for a task and start tracking it locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			taskID := args[0]
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}

			a.mirror.AddTask(ctx, taskID, taskType, count)

			// 本地额度明显不足时不必请求服务端
			ok, snap, err := a.quota.CheckQuota(ctx, a.userID, count)
			if err != nil {
				a.logger.Warn("quota pre-check failed", zap.Error(err))
			} else if !ok {
				_, _ = a.mirror.Fail(ctx, taskID, client.ErrInsufficientQuota.Error())
				return fmt.Errorf("%w: %d available, %d required", client.ErrInsufficientQuota, snap.RemainingQuota, count)
			}

			res, err := a.api.Reserve(ctx, taskID, count, taskType)
			if err != nil {
				_, _ = a.mirror.Fail(ctx, taskID, err.Error())
				if errors.Is(err, client.ErrInsufficientQuota) {
					a.quota.Invalidate(ctx, a.userID)
				}
				return err
			}

			task, err := a.mirror.InitSlots(ctx, taskID, res.ID, res.ImageCount)
			if err != nil {
				return err
			}
			a.quota.Adjust(ctx, a.userID, -res.ImageCount)

			goodColor.Fprintf(a.out, "reserved %d credit(s) for %s\n", res.ImageCount, taskID)
			fmt.Fprintf(a.out, "reservation %s, %d remaining\n", res.ID, res.Available)
			printTask(a.out, task)
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of images")
	cmd.Flags().StringVar(&taskType, "type", "", "task type")
	return cmd
}

func newSlotCmd(a *app) *cobra.Command {
	var (
		imageURL  string
		modelType string
		genMode   string
		prompt    string
		failure   string
	)
	cmd := &cobra.Command{
		Use:   "slot <task-id> <index>",
		Short: "Record the result of one image",
		Example: `  genctl slot task_1 0 --url https://cdn.example.com/0.png --model flux
  genctl slot task_1 1 --fail "safety filter"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			taskID := args[0]
			index, err := strconv.Atoi(args[1])
			if err != nil || index < 0 {
				return fmt.Errorf("invalid slot index %q", args[1])
			}
			if (imageURL == "") == (failure == "") {
				return errors.New("pass exactly one of --url or --fail")
			}

			var (
				gen   *dto.GenerationResponse
				patch client.SlotPatch
			)
			if failure != "" {
				gen, err = a.api.FailSlot(ctx, taskID, index)
				patch = client.Failed(failure)
			} else {
				req := &dto.SlotRequest{ImageURL: imageURL, ModelType: modelType, GenMode: genMode}
				if prompt != "" {
					req.Prompt = &prompt
				}
				gen, err = a.api.AppendSlot(ctx, taskID, index, req)
				patch = client.Completed(imageURL, modelType, genMode)
			}
			if err != nil {
				return err
			}

			// 服务端记录为准，本地镜像缺失只记日志
			if _, err := a.mirror.UpdateSlot(ctx, taskID, index, patch); err != nil {
				a.logger.Warn("local task not updated", zap.String("task_id", taskID), zap.Error(err))
			}
			printGeneration(a.out, gen)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&imageURL, "url", "", "image URL")
	f.StringVar(&modelType, "model", "", "model type")
	f.StringVar(&genMode, "mode", "", "generation mode")
	f.StringVar(&prompt, "prompt", "", "prompt used for this image")
	f.StringVar(&failure, "fail", "", "mark the slot failed with this reason")
	return cmd
}

func newReleaseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "release <task-id>",
		Short: "Cancel a pending task and refund its credits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			taskID := args[0]

			var reservationID string
			if task, ok := a.mirror.Get(taskID); ok {
				reservationID = task.ReservationID
			}
			refunded, err := a.api.Release(ctx, reservationID, taskID)
			if err != nil {
				// 退款是否落库未知，下次检查重新拉取
				a.quota.Invalidate(ctx, a.userID)
				return err
			}

			_, _ = a.mirror.Fail(ctx, taskID, "released")
			a.quota.Adjust(ctx, a.userID, refunded)
			a.quota.RefreshAsync(a.userID)
			goodColor.Fprintf(a.out, "refunded %d credit(s)\n", refunded)
			return nil
		},
	}
}

func newUpdateCmd(a *app) *cobra.Command {
	var (
		actual int
		refund int
	)
	cmd := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Settle a task with the number of images actually produced",
		Long: `Refunds the credits for images that were reserved but not produced.
Call it once per task; the server does not guard against replays.
An explicit --refund larger than the reserved count is honoured: the excess
is credited to the purchased pool and logged by the server.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			taskID := args[0]
			if actual < 0 {
				return errors.New("--actual must not be negative")
			}

			var refundCount *int
			if cmd.Flags().Changed("refund") {
				refundCount = &refund
			}
			var reservationID string
			if task, ok := a.mirror.Get(taskID); ok {
				reservationID = task.ReservationID
			}

			refunded, err := a.api.PartialUpdate(ctx, reservationID, taskID, actual, refundCount)
			if err != nil {
				a.quota.Invalidate(ctx, a.userID)
				return err
			}
			a.quota.Adjust(ctx, a.userID, refunded)
			a.quota.RefreshAsync(a.userID)
			goodColor.Fprintf(a.out, "settled %s with %d image(s), refunded %d credit(s)\n", taskID, actual, refunded)
			return nil
		},
	}
	cmd.Flags().IntVar(&actual, "actual", 0, "images actually produced")
	cmd.Flags().IntVar(&refund, "refund", 0, "explicit refund count")
	_ = cmd.MarkFlagRequired("actual")
	return cmd
}

func newTasksCmd(a *app) *cobra.Command {
	var remove string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List locally tracked tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if remove != "" {
				a.mirror.Remove(cmd.Context(), remove)
			}
			tasks := a.mirror.List()
			if len(tasks) == 0 {
				fmt.Fprintln(a.out, "no tasks")
				return nil
			}

			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tTYPE\tSTATUS\tIMAGES\tCREATED")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
					t.ID, t.Type, statusColor(string(t.Status)).Sprint(t.Status),
					t.SuccessCount(), t.ExpectedImageCount, t.CreatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&remove, "remove", "", "stop tracking this task")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show the server-side generation record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gen, err := a.api.Generation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printGeneration(a.out, gen)
			return nil
		},
	}
}

func printTask(out io.Writer, t client.Task) {
	fmt.Fprintf(out, "%s %s", labelColor.Sprint(t.ID), statusColor(string(t.Status)).Sprint(t.Status))
	for _, s := range t.ImageSlots {
		fmt.Fprintf(out, " [%d:%s]", s.Index, s.Status)
	}
	fmt.Fprintln(out)
}

func printGeneration(out io.Writer, g *dto.GenerationResponse) {
	headerColor.Fprintf(out, "--- %s ---\n", g.TaskID)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "%s\t%s\n", labelColor.Sprint("Status"), statusColor(g.Status).Sprint(g.Status))
	fmt.Fprintf(w, "%s\t%d\n", labelColor.Sprint("Images"), g.TotalImagesCount)
	fmt.Fprintf(w, "%s\t%d\n", labelColor.Sprint("Reserved"), g.ReservedCount)
	for i, state := range g.SlotStates {
		detail := ""
		if i < len(g.OutputImageURLs) && g.OutputImageURLs[i] != nil {
			detail = *g.OutputImageURLs[i]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", labelColor.Sprintf("Slot %d", i), state, detail)
	}
	_ = w.Flush()
}

func statusColor(status string) *color.Color {
	switch strings.ToLower(status) {
	case "completed", "succeeded":
		return goodColor
	case "failed":
		return badColor
	default:
		return warnColor
	}
}
