package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/animus-labs/animus-orchestrator/internal/execution/plan"
)

type globalOptions struct {
	server    string
	requestID string
	output    string
}

func (o *globalOptions) client() *apiClient {
	return newAPIClient(o.server, o.requestID)
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "opsctl",
		Short:         "Create, start and follow orchestrated operations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.output {
			case "text", "json":
				return nil
			default:
				return fmt.Errorf("--output must be text or json, got %q", opts.output)
			}
		},
	}
	server := os.Getenv("ORCH_SERVER")
	if server == "" {
		server = "http://localhost:8090"
	}
	root.PersistentFlags().StringVar(&opts.server, "server", server, "orchestrator base URL (env ORCH_SERVER)")
	root.PersistentFlags().StringVar(&opts.requestID, "request-id", "", "X-Request-Id sent with every call")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		newCreateCmd(opts),
		newStartCmd(opts),
		newCancelCmd(opts),
		newGetCmd(opts),
		newListCmd(opts),
		newStateCmd(opts),
		newStepCmd(opts),
		newEventsCmd(opts),
		newWatchCmd(opts),
		newUsageCmd(opts),
	)
	return root
}

type operation struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	OwnerID   string `json:"ownerId,omitempty"`
	Status    string `json:"status"`
	LastError string `json:"lastError,omitempty"`
}

type eventPayload struct {
	Seq         int64          `json:"seq,omitempty"`
	Topic       string         `json:"topic"`
	OperationID string         `json:"operationId"`
	StepID      string         `json:"stepId,omitempty"`
	Status      string         `json:"status,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// operationDocument is the part of a create document checked before upload.
type operationDocument struct {
	Type string       `yaml:"type" json:"type"`
	Plan plan.Payload `yaml:"plan" json:"plan"`
}

// loadDocument reads a create document and validates its plan locally. It
// returns the raw bytes and the content type to upload them with.
func loadDocument(path string) ([]byte, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	contentType := "application/yaml"
	var doc operationDocument
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		contentType = "application/json"
		err = json.Unmarshal(raw, &doc)
	default:
		err = yaml.Unmarshal(raw, &doc)
	}
	if err != nil {
		return nil, "", fmt.Errorf("parse %s: %w", path, err)
	}
	if strings.TrimSpace(doc.Type) == "" {
		return nil, "", errors.New("operation type is required")
	}
	if err := plan.Validate(doc.Plan.ToDomain()); err != nil {
		var verr *plan.ValidationError
		if errors.As(err, &verr) {
			return nil, "", fmt.Errorf("invalid plan:\n  %s", strings.Join(verr.Issues, "\n  "))
		}
		return nil, "", err
	}
	return raw, contentType, nil
}

func newCreateCmd(opts *globalOptions) *cobra.Command {
	var (
		file  string
		start bool
	)
	cmd := &cobra.Command{
		Use:   "create -f FILE",
		Short: "Create an operation from a YAML or JSON document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return errors.New("-f is required")
			}
			body, contentType, err := loadDocument(file)
			if err != nil {
				return err
			}
			client := opts.client()
			var op operation
			if err := client.post(cmd.Context(), "/operations", contentType, body, &op); err != nil {
				return err
			}
			if start {
				if err := client.post(cmd.Context(), "/operations/"+url.PathEscape(op.ID)+"/start", "", nil, &op); err != nil {
					return fmt.Errorf("operation %s created but not started: %w", op.ID, err)
				}
			}
			return printOperation(cmd.OutOrStdout(), opts.output, op)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "operation document (.yaml, .yml or .json)")
	cmd.Flags().BoolVar(&start, "start", false, "start the operation right after creating it")
	return cmd
}

func operationAction(opts *globalOptions, use, short, action string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " OPERATION_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var op operation
			if err := opts.client().post(cmd.Context(), "/operations/"+url.PathEscape(args[0])+"/"+action, "", nil, &op); err != nil {
				return err
			}
			return printOperation(cmd.OutOrStdout(), opts.output, op)
		},
	}
}

func newStartCmd(opts *globalOptions) *cobra.Command {
	return operationAction(opts, "start", "Admit and start a pending operation", "start")
}

func newCancelCmd(opts *globalOptions) *cobra.Command {
	return operationAction(opts, "cancel", "Cancel an operation", "cancel")
}

func newGetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get OPERATION_ID",
		Short: "Show an operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var op operation
			if err := opts.client().getJSON(cmd.Context(), "/operations/"+url.PathEscape(args[0]), &op); err != nil {
				return err
			}
			return printOperation(cmd.OutOrStdout(), opts.output, op)
		},
	}
}

func newListCmd(opts *globalOptions) *cobra.Command {
	var (
		status string
		owner  string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if status != "" {
				query.Set("status", status)
			}
			if owner != "" {
				query.Set("owner_id", owner)
			}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			path := "/operations"
			if len(query) > 0 {
				path += "?" + query.Encode()
			}
			var resp struct {
				Operations []operation `json:"operations"`
			}
			if err := opts.client().getJSON(cmd.Context(), path, &resp); err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tOWNER")
			for _, op := range resp.Operations {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", op.ID, op.Type, op.Status, op.OwnerID)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "comma separated statuses")
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of operations")
	return cmd
}

func newStateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state OPERATION_ID",
		Short: "Show the execution state of an operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st map[string]any
			if err := opts.client().getJSON(cmd.Context(), "/operations/"+url.PathEscape(args[0])+"/state", &st); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newStepCmd(opts *globalOptions) *cobra.Command {
	var cancel, force bool
	cmd := &cobra.Command{
		Use:   "step OPERATION_ID STEP_ID",
		Short: "Show a step, or cancel it with --cancel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/operations/" + url.PathEscape(args[0]) + "/steps/" + url.PathEscape(args[1])
			var (
				out map[string]any
				err error
			)
			switch {
			case cancel && force:
				err = opts.client().post(cmd.Context(), path+"/cancel?force=true", "", nil, &out)
			case cancel:
				err = opts.client().post(cmd.Context(), path+"/cancel", "", nil, &out)
			default:
				err = opts.client().getJSON(cmd.Context(), path, &out)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&cancel, "cancel", false, "signal the running step to stop")
	cmd.Flags().BoolVar(&force, "force", false, "with --cancel, stop waiting for the step handler")
	return cmd
}

func newEventsCmd(opts *globalOptions) *cobra.Command {
	var after int64
	cmd := &cobra.Command{
		Use:   "events OPERATION_ID",
		Short: "List persisted events of an operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var page struct {
				Events []eventPayload `json:"events"`
				Next   int64          `json:"nextAfterEventId"`
			}
			path := fmt.Sprintf("/operations/%s/events?after_event_id=%d", url.PathEscape(args[0]), after)
			if err := opts.client().getJSON(cmd.Context(), path, &page); err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), page)
			}
			for _, ev := range page.Events {
				printEvent(cmd.OutOrStdout(), ev)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this event id")
	return cmd
}

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var after int64
	cmd := &cobra.Command{
		Use:   "watch OPERATION_ID",
		Short: "Follow the event stream of an operation until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			path := fmt.Sprintf("/operations/%s/stream?after_event_id=%d", url.PathEscape(args[0]), after)
			return opts.client().streamEvents(cmd.Context(), path, func(ev streamEvent) error {
				switch ev.Name {
				case "ready", "end":
					return nil
				case "error":
					return fmt.Errorf("stream error: %s", ev.Data)
				}
				if opts.output == "json" {
					_, err := fmt.Fprintln(out, string(ev.Data))
					return err
				}
				var payload eventPayload
				if err := json.Unmarshal(ev.Data, &payload); err != nil {
					return fmt.Errorf("decode event %s: %w", ev.ID, err)
				}
				printEvent(out, payload)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "resume after this event id")
	return cmd
}

func newUsageCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show resource usage against quotas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var usage map[string]any
			if err := opts.client().getJSON(cmd.Context(), "/resources/usage", &usage); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), usage)
		},
	}
}

func printOperation(w io.Writer, format string, op operation) error {
	if format == "json" {
		return printJSON(w, op)
	}
	line := fmt.Sprintf("%s %s %s", op.ID, op.Type, op.Status)
	if op.LastError != "" {
		line += " (" + op.LastError + ")"
	}
	_, err := fmt.Fprintln(w, line)
	return err
}

func printEvent(w io.Writer, ev eventPayload) {
	target := ev.OperationID
	if ev.StepID != "" {
		target += "/" + ev.StepID
	}
	fmt.Fprintf(w, "%6d  %-28s %-40s %s\n", ev.Seq, ev.Topic, target, ev.Status)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
