package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"pdfqueue/internal/catalog"
	"pdfqueue/internal/model"
	"pdfqueue/internal/queue"
	"pdfqueue/internal/render"
)

func NewEnqueueCmd(app *App) *cobra.Command {
	var (
		fileName    string
		docType     string
		ownerID     string
		profile     string
		options     []string
		maxAttempts int
	)

	cmd := &cobra.Command{
		Use:   "enqueue <url>",
		Short: "Add a render job to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateURL(args[0]); err != nil {
				return err
			}
			if fileName == "" {
				return fmt.Errorf("--file-name is required")
			}
			if _, ok := render.Lookup(profile); !ok {
				return fmt.Errorf("unknown profile %q, allowed: %s", profile, strings.Join(render.Names(), ", "))
			}

			opts, err := parseOptions(options)
			if err != nil {
				return err
			}
			target, err := catalog.AppendOptions(args[0], opts)
			if err != nil {
				return err
			}

			q, notifier, err := app.openQueue()
			if err != nil {
				return err
			}
			defer notifier.Close()

			enqOpts := []queue.EnqueueOption{queue.WithCeiling(app.Config.API.Ceiling)}
			if maxAttempts > 0 {
				enqOpts = append(enqOpts, queue.WithMaxAttempts(maxAttempts))
			}

			j, err := q.Enqueue(cmd.Context(), model.Payload{
				URL:      target,
				FileName: fileName,
				Type:     docType,
				OwnerID:  ownerID,
				Profile:  profile,
				Options:  opts,
			}, enqOpts...)
			if errors.Is(err, queue.ErrQueueFull) {
				return fmt.Errorf("queue full (%d outstanding jobs), retry later", app.Config.API.Ceiling)
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Job enqueued:", j.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&fileName, "file-name", "", "document file name without extension")
	cmd.Flags().StringVar(&docType, "type", "", "document type, used in the storage key")
	cmd.Flags().StringVar(&ownerID, "owner", "", "owner id, used in the storage key")
	cmd.Flags().StringVar(&profile, "profile", render.ProfileStandard, "render profile")
	cmd.Flags().StringSliceVar(&options, "option", nil, "view option as name=bool, repeatable")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "override max attempts for this job")
	return cmd
}

var validate = validator.New()

// validateURL applies the rule POST /generate binds with.
func validateURL(raw string) error {
	if err := validate.Var(raw, "required,url"); err != nil {
		return fmt.Errorf("invalid url %q: must be an absolute URL", raw)
	}
	return nil
}

func parseOptions(raw []string) (map[string]bool, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	opts := make(map[string]bool, len(raw))
	for _, kv := range raw {
		name, val, found := strings.Cut(kv, "=")
		if !found {
			opts[name] = true
			continue
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			return nil, fmt.Errorf("option %s: %w", name, err)
		}
		opts[name] = b
	}
	return opts, nil
}
