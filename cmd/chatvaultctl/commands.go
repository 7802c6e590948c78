package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/matheus3301/chatvault/internal/api"
)

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, g, func(ctx context.Context, c *api.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				if g.JSON {
					return outputJSON(st)
				}
				field("Session", "%s", st.Session)
				labelColor.Printf("%-10s ", "State:")
				stateColor(st.State).Println(st.State)
				field("Uptime", "%s", time.Duration(st.UptimeMs)*time.Millisecond)
				field("Chats", "%s", humanize.Comma(int64(st.Chats)))
				field("Messages", "%s", humanize.Comma(int64(st.Messages)))
				field("Embedding", "%s (%s)", st.EmbeddingProvider, st.EmbeddingModel)
				field("Schema", "v%d", st.SchemaVersion)
				field("Jobs", "%d running", len(st.RunningJobs))
				return nil
			})
		},
	}
}

func newSyncCmd(g *globals) *cobra.Command {
	var opts struct {
		Method      string
		Incremental bool
		Resume      bool
		Offset      int64
		Limit       int
		MinID       int64
		MaxID       int64
		Since       string
		Until       string
		Types       []string
		Wait        bool
		WaitFlood   bool
	}
	cmd := &cobra.Command{
		Use:   "sync <chat-id>",
		Short: "Archive a chat's history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID, err := parseChatID(args[0])
			if err != nil {
				return err
			}
			req := api.SyncRequest{
				ChatID:      chatID,
				Method:      opts.Method,
				Incremental: opts.Incremental,
				Resume:      opts.Resume,
				OffsetID:    opts.Offset,
				Limit:       opts.Limit,
				MinID:       opts.MinID,
				MaxID:       opts.MaxID,
				Types:       opts.Types,
			}
			if req.SinceUnix, err = parseTime(opts.Since); err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			if req.UntilUnix, err = parseTime(opts.Until); err != nil {
				return fmt.Errorf("--until: %w", err)
			}
			return run(cmd, g, func(ctx context.Context, c *api.Client) error {
				return syncLoop(ctx, c, req, opts.Wait || opts.WaitFlood, opts.WaitFlood, g.JSON)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Method, "method", "", "retrieval method: history or takeout")
	f.BoolVar(&opts.Incremental, "incremental", false, "only fetch messages newer than the sync cursor")
	f.BoolVar(&opts.Resume, "resume", false, "continue the backfill below the oldest archived message")
	f.Int64Var(&opts.Offset, "offset-id", 0, "start strictly below this message id")
	f.IntVar(&opts.Limit, "limit", 0, "maximum number of messages")
	f.Int64Var(&opts.MinID, "min-id", 0, "lowest message id to archive")
	f.Int64Var(&opts.MaxID, "max-id", 0, "highest message id to archive")
	f.StringVar(&opts.Since, "since", "", "oldest message date (RFC3339, YYYY-MM-DD or unix seconds)")
	f.StringVar(&opts.Until, "until", "", "newest message date (RFC3339, YYYY-MM-DD or unix seconds)")
	f.StringSliceVar(&opts.Types, "types", nil, "message types to keep: text,photo,document,video,sticker,other")
	f.BoolVar(&opts.Wait, "wait", false, "follow the job until it finishes")
	f.BoolVar(&opts.WaitFlood, "wait-flood", false, "on rate limit, sleep the requested time and resume (implies --wait)")
	return cmd
}

// syncLoop starts a sync and, when waiting, follows it. With waitFlood a rate
// limited run is resumed from where it stopped after the requested wait.
func syncLoop(ctx context.Context, c *api.Client, req api.SyncRequest, wait, waitFlood, jsonOut bool) error {
	for {
		ref, err := c.StartSync(ctx, req)
		if err != nil {
			return err
		}
		if !wait {
			if jsonOut {
				return outputJSON(ref)
			}
			okColor.Printf("started sync job %s\n", ref.JobID)
			return nil
		}
		ev, err := follow(ctx, c, ref.JobID, jsonOut)
		if err != nil {
			return err
		}
		if waitFlood && rateLimited(ev) {
			secs := metaInt(ev.Metadata, "wait_seconds")
			warnColor.Printf("rate limited, resuming in %s\n", time.Duration(secs)*time.Second)
			if err := sleep(ctx, time.Duration(secs)*time.Second); err != nil {
				return err
			}
			req = resumeRequest(req, ev)
			continue
		}
		return jobError(ev)
	}
}

func rateLimited(ev api.ProgressEvent) bool {
	return ev.Result == "aborted" && ev.Metadata["rate_limited"] == true
}

// resumeRequest continues req below the point the previous run reached.
func resumeRequest(req api.SyncRequest, ev api.ProgressEvent) api.SyncRequest {
	if off := metaInt(ev.Metadata, "resume_offset_id"); off > 0 {
		req.OffsetID = int64(off)
		req.Resume = false
	} else {
		req.Resume = true
	}
	if req.Limit > 0 {
		req.Limit = max(1, req.Limit-metaInt(ev.Metadata, "stored"))
	}
	return req
}

func metaInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// follow streams a job's progress and returns its terminal event.
func follow(ctx context.Context, c *api.Client, jobID string, jsonOut bool) (api.ProgressEvent, error) {
	stream, err := c.WatchProgress(ctx, jobID)
	if err != nil {
		return api.ProgressEvent{}, err
	}
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return api.ProgressEvent{}, fmt.Errorf("progress stream for job %s ended early", jobID)
		}
		if err != nil {
			return api.ProgressEvent{}, err
		}
		if jsonOut {
			if err := outputJSON(ev); err != nil {
				return ev, err
			}
		} else {
			printEvent(ev)
		}
		if ev.Terminal() {
			return ev, nil
		}
	}
}

func jobError(ev api.ProgressEvent) error {
	switch ev.Result {
	case "success", "partial":
		return nil
	}
	msg := ev.Message
	if ev.Result == "aborted" && ev.Metadata["rate_limited"] == true {
		msg = fmt.Sprintf("rate limited for %ds, rerun with --resume or --wait-flood", metaInt(ev.Metadata, "wait_seconds"))
	}
	return fmt.Errorf("job %s %s: %s", shortID(ev.JobID), ev.Result, msg)
}

func newEmbedCmd(g *globals) *cobra.Command {
	var opts struct {
		Batch       int
		Concurrency int
		Limit       int
		Wait        bool
	}
	cmd := &cobra.Command{
		Use:   "embed <chat-id>",
		Short: "Compute embeddings for a chat's archived messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID, err := parseChatID(args[0])
			if err != nil {
				return err
			}
			return run(cmd, g, func(ctx context.Context, c *api.Client) error {
				ref, err := c.StartEmbed(ctx, api.EmbedRequest{
					ChatID:      chatID,
					BatchSize:   opts.Batch,
					Concurrency: opts.Concurrency,
					Limit:       opts.Limit,
				})
				if err != nil {
					return err
				}
				if !opts.Wait {
					if g.JSON {
						return outputJSON(ref)
					}
					okColor.Printf("started embed job %s\n", ref.JobID)
					return nil
				}
				ev, err := follow(ctx, c, ref.JobID, g.JSON)
				if err != nil {
					return err
				}
				return jobError(ev)
			})
		},
	}
	cmd.Flags().IntVar(&opts.Batch, "batch", 0, "messages per provider call (default from config)")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "parallel writes per batch (default from config)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of messages to embed")
	cmd.Flags().BoolVar(&opts.Wait, "wait", false, "follow the job until it finishes")
	return cmd
}

func newSearchCmd(g *globals) *cobra.Command {
	var opts struct {
		Chat   string
		Folder string
		Limit  int
		Offset int
	}
	cmd := &cobra.Command{
		Use:   "search <query...>",
		Short: "Search archived messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.SearchRequest{
				Query:  strings.Join(args, " "),
				Folder: opts.Folder,
				Limit:  opts.Limit,
				Offset: opts.Offset,
			}
			if opts.Chat != "" {
				id, err := parseChatID(opts.Chat)
				if err != nil {
					return err
				}
				req.ChatID = id
			}
			return run(cmd, g, func(ctx context.Context, c *api.Client) error {
				res, err := c.Search(ctx, req)
				if err != nil {
					return err
				}
				if g.JSON {
					return outputJSON(res)
				}
				mode := "lexical"
				if res.Semantic {
					mode = "hybrid"
				}
				titleColor.Printf("%d matches (%s)\n", res.Total, mode)
				for _, h := range res.Hits {
					scoreColor.Printf("%.3f ", h.Score)
					src, ok := sourceColors[h.Source]
					if !ok {
						src = labelColor
					}
					src.Printf("%-7s ", h.Source)
					labelColor.Printf("%d/%d %s ", h.ChatID, h.MsgID, millis(h.CreatedAt))
					text := h.Content
					if text == "" && h.MediaRef != "" {
						text = "<" + h.MediaRef + ">"
					}
					fmt.Println(snippet(text, 100))
				}
				if shown := req.Offset + len(res.Hits); shown < res.Total {
					labelColor.Printf("more results: --offset %d\n", shown)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Chat, "chat", "", "restrict to one chat id")
	cmd.Flags().StringVar(&opts.Folder, "folder", "", "restrict to a folder")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "results per page")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "results to skip")
	return cmd
}

func newJobsCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, g, func(ctx context.Context, c *api.Client) error {
				res, err := c.ListJobs(ctx, api.ListJobsRequest{Limit: limit})
				if err != nil {
					return err
				}
				if g.JSON {
					return outputJSON(res)
				}
				if len(res.Jobs) == 0 {
					fmt.Println("No jobs.")
					return nil
				}
				for _, j := range res.Jobs {
					fmt.Printf("%s %-5s %-9s ", shortID(j.ID), j.Kind, j.Status)
					resultColor(j.Result).Printf("%-8s ", j.Result)
					fmt.Printf("%s/%s failed %d  %s",
						humanize.Comma(int64(j.Processed)), humanize.Comma(int64(j.Total)), j.Failed, millis(j.StartedAt))
					if j.Error != "" {
						errorColor.Printf("  %s", j.Error)
					}
					fmt.Println()
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of jobs to show")
	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, g, func(ctx context.Context, c *api.Client) error {
				if err := c.CancelJob(ctx, args[0]); err != nil {
					return err
				}
				okColor.Printf("canceled %s\n", args[0])
				return nil
			})
		},
	})
	return cmd
}

func newChatsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List archived chats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, g, func(ctx context.Context, c *api.Client) error {
				res, err := c.ListChats(ctx)
				if err != nil {
					return err
				}
				if g.JSON {
					return outputJSON(res)
				}
				if len(res.Chats) == 0 {
					fmt.Println("No chats archived.")
					return nil
				}
				for _, ch := range res.Chats {
					title := ch.Title
					if title == "" {
						title = "(untitled)"
					}
					fmt.Printf("%-16d %-10s %10s  %-40s ", ch.ID, ch.Kind, humanize.Comma(int64(ch.Messages)), snippet(title, 40))
					labelColor.Println(millis(ch.UpdatedAt))
				}
				return nil
			})
		},
	}
}

func newCursorCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "cursor <chat-id>",
		Short: "Show a chat's sync cursor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID, err := parseChatID(args[0])
			if err != nil {
				return err
			}
			return run(cmd, g, func(ctx context.Context, c *api.Client) error {
				cur, err := c.GetCursor(ctx, chatID)
				if err != nil {
					return err
				}
				if g.JSON {
					return outputJSON(cur)
				}
				if !cur.Found {
					fmt.Printf("Chat %d has never been synced.\n", chatID)
					return nil
				}
				field("Chat", "%d", cur.ChatID)
				field("Newest", "%d", cur.LastMessageID)
				field("Oldest", "%d", cur.OldestMessageID)
				field("Complete", "%v", cur.HistoryComplete)
				field("Synced", "%s", millis(cur.LastSyncTime))
				return nil
			})
		},
	}
}

func newFolderCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "folder",
		Short: "Manage local chat folders",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <folder> <chat-id...>",
		Short: "Add chats to a folder",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ids []int64
			for _, a := range args[1:] {
				id, err := parseChatID(a)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return run(cmd, g, func(ctx context.Context, c *api.Client) error {
				if err := c.AddToFolder(ctx, args[0], ids...); err != nil {
					return err
				}
				okColor.Printf("added %d chat(s) to %s\n", len(ids), args[0])
				return nil
			})
		},
	})
	return cmd
}

func newRemoveCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <chat-id>",
		Short: "Delete a chat and everything archived for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID, err := parseChatID(args[0])
			if err != nil {
				return err
			}
			return run(cmd, g, func(ctx context.Context, c *api.Client) error {
				res, err := c.RemoveChat(ctx, chatID)
				if err != nil {
					return err
				}
				if g.JSON {
					return outputJSON(res)
				}
				if !res.Removed {
					warnColor.Printf("chat %d was not archived\n", chatID)
					return nil
				}
				okColor.Printf("removed chat %d\n", chatID)
				return nil
			})
		},
	}
}

func newWatchCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [job-id]",
		Short: "Stream job progress",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var jobID string
			if len(args) == 1 {
				jobID = args[0]
			}
			return run(cmd, g, func(ctx context.Context, c *api.Client) error {
				if jobID != "" {
					_, err := follow(ctx, c, jobID, g.JSON)
					return err
				}
				stream, err := c.WatchProgress(ctx, "")
				if err != nil {
					return err
				}
				for {
					ev, err := stream.Recv()
					if err != nil {
						if errors.Is(err, io.EOF) || ctx.Err() != nil {
							return nil
						}
						return err
					}
					if g.JSON {
						if err := outputJSON(ev); err != nil {
							return err
						}
						continue
					}
					printEvent(ev)
				}
			})
		},
	}
}

func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid chat id %q", s)
	}
	return id, nil
}

// parseTime accepts RFC3339, a local YYYY-MM-DD date or unix seconds. Empty
// yields zero.
func parseTime(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Unix(), nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, time.Local); err == nil {
		return t.Unix(), nil
	}
	return 0, fmt.Errorf("unrecognized time %q", s)
}
