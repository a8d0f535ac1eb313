package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/kalambet/bigmem/internal/catalog"
	"github.com/kalambet/bigmem/internal/config"
	"github.com/kalambet/bigmem/internal/storage"
	"github.com/kalambet/bigmem/internal/syncer"
)

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show kernel and stored values for every setting",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		statuses := e.settings.Statuses()
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(statuses)
		}

		for _, st := range statuses {
			printStatus(st.Key, "%s", describeStatus(st))
		}

		daemon := "stopped"
		if newHealthClient(e.cfg).healthy(cmd.Context()) {
			daemon = fmt.Sprintf("running on port %d", e.cfg.Server.Port)
		}
		printStatus("Daemon", "%s", daemon)
		printStatus("Storage", "%s (%s)", e.cfg.Storage.Backend, e.cfg.Storage.DataDir)
		return nil
	},
}

func describeStatus(st syncer.Status) string {
	switch {
	case !st.Supported:
		return colorize(colorYellow, "not supported") + " (" + st.Path + " missing)"
	case st.Error != "":
		return colorize(colorRed, "error: "+st.Error)
	case !st.HasStored:
		return fmt.Sprintf("kernel=%s stored=%s", st.Kernel, colorize(colorYellow, "unset"))
	case st.InSync:
		return fmt.Sprintf("kernel=%s stored=%s %s", st.Kernel, st.Stored, colorize(colorGreen, "(in sync)"))
	default:
		return fmt.Sprintf("kernel=%s stored=%s %s", st.Kernel, st.Stored, colorize(colorYellow, "(drifted)"))
	}
}

func init() {
	statusCmd.Flags().Bool("json", false, "print status as JSON")
}

// --- restore ---

var restoreCmd = &cobra.Command{
	Use:   "restore [key]",
	Short: "Copy kernel values into the stored preferences",
	Long: `Copy kernel values into the stored preferences.

Without a key every supported setting is restored; unsupported ones are skipped.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if remote, _ := cmd.Flags().GetBool("remote"); remote {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			client, err := newAPIClient(cfg)
			if err != nil {
				return err
			}
			return restoreRemote(cmd.Context(), client, args)
		}

		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		ctx := syncer.WithSource(cmd.Context(), "cli")

		if len(args) == 1 {
			s, err := e.settings.Get(args[0])
			if err != nil {
				return err
			}
			return restoreOne(ctx, s)
		}

		var errs []error
		supported := e.settings.Supported()
		if len(supported) == 0 {
			printWarning("no supported settings on this host")
		}
		for _, s := range supported {
			if err := restoreOne(ctx, s); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	},
}

func restoreOne(ctx context.Context, s *syncer.Syncer) error {
	v, err := s.Restore(ctx)
	if err != nil {
		return err
	}
	printSuccess("Stored %s = %s", s.Key(), v)
	return nil
}

// restoreRemote asks a running daemon to restore keys, or every supported
// setting when keys is empty.
func restoreRemote(ctx context.Context, client *apiClient, keys []string) error {
	if len(keys) == 0 {
		resp, err := client.get(ctx, "/settings")
		if err != nil {
			return err
		}
		var statuses []syncer.Status
		if err := decodeJSON(resp, &statuses); err != nil {
			return err
		}
		for _, st := range statuses {
			if st.Supported {
				keys = append(keys, st.Key)
			}
		}
		if len(keys) == 0 {
			printWarning("no supported settings on the daemon host")
		}
	}

	var errs []error
	for _, key := range keys {
		resp, err := client.post(ctx, "/settings/"+url.PathEscape(key)+"/restore", nil)
		if err != nil {
			return err
		}
		var out struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			errs = append(errs, fmt.Errorf("restoring %s: %w", key, err))
			continue
		}
		printSuccess("Stored %s = %s", out.Key, out.Value)
	}
	return errors.Join(errs...)
}

func init() {
	restoreCmd.Flags().Bool("remote", false, "restore through the running daemon")
}

// --- apply ---

var applyCmd = &cobra.Command{
	Use:   "apply [key] <value>",
	Short: "Write a value to the kernel and verify it",
	Long: `Write a value to the kernel and verify it by reading it back.

If the kernel reports a different value, the stored preference is set to
what the kernel holds and you are asked whether to try again.

Examples:
  bigmem apply 1
  bigmem apply bigmem 0
  bigmem apply --yes --max-attempts 5 1
  bigmem apply --remote 1`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := catalog.BigmemKey, args[0]
		if len(args) == 2 {
			key, value = args[0], args[1]
		}

		yes, _ := cmd.Flags().GetBool("yes")
		noRetry, _ := cmd.Flags().GetBool("no-retry")
		remote, _ := cmd.Flags().GetBool("remote")
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")

		if yes && noRetry {
			return fmt.Errorf("--yes and --no-retry are mutually exclusive")
		}
		if yes && maxAttempts == 0 {
			maxAttempts = 5
		}

		prompter := choosePrompter(yes, noRetry, cmd.InOrStdin(), cmd.ErrOrStderr())

		if remote {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			client, err := newAPIClient(cfg)
			if err != nil {
				return err
			}
			cat, err := catalog.Load(cfg.Catalog.File)
			if err != nil {
				return err
			}
			setting, err := cat.Get(key)
			if err != nil {
				return err
			}
			res, err := applyRemote(cmd.Context(), client, setting, value, prompter, maxAttempts)
			return reportApply(res, err)
		}

		e, err := loadEnv(syncer.WithMaxAttempts(maxAttempts))
		if err != nil {
			return err
		}
		defer e.Close()

		s, err := e.settings.Get(key)
		if err != nil {
			return err
		}

		res, err := s.ApplyInteractive(syncer.WithSource(cmd.Context(), "cli"), value, prompter)
		return reportApply(res, err)
	},
}

func choosePrompter(yes, noRetry bool, in io.Reader, out io.Writer) syncer.Prompter {
	switch {
	case yes:
		return syncer.Always(syncer.Retry)
	case noRetry:
		return syncer.Always(syncer.Decline)
	default:
		return newTerminalPrompter(in, out)
	}
}

func reportApply(res syncer.Result, err error) error {
	if err != nil {
		return err
	}
	if res.Verified {
		printSuccess("%s = %s (verified)", res.Key, res.Actual)
		return nil
	}
	printWarning("Kernel kept %s = %s; stored preference now matches the kernel", res.Key, res.Actual)
	return res.Err()
}

// applyRemote drives the same retry protocol against a running daemon:
// each PUT is one attempt and a 409 carries the kernel's value.
func applyRemote(ctx context.Context, client *apiClient, setting catalog.Setting, value string, p syncer.Prompter, maxAttempts int) (syncer.Result, error) {
	path := "/settings/" + url.PathEscape(setting.Key)
	for n := 1; ; n++ {
		resp, err := client.put(ctx, path, map[string]string{"value": value})
		if err != nil {
			return syncer.Result{}, err
		}

		var res syncer.Result
		switch resp.StatusCode {
		case http.StatusOK, http.StatusConflict:
			err = json.NewDecoder(resp.Body).Decode(&res)
			resp.Body.Close()
			if err != nil {
				return syncer.Result{}, fmt.Errorf("decoding response: %w", err)
			}
		default:
			err := readAPIError(resp)
			resp.Body.Close()
			return syncer.Result{}, err
		}

		res.Attempts = n
		if res.Verified {
			return res, nil
		}
		if maxAttempts > 0 && n >= maxAttempts {
			return res, nil
		}

		d, err := p.Confirm(ctx, syncer.Mismatch{
			Key:       setting.Key,
			Title:     setting.PromptTitle(),
			Message:   setting.PromptMessage(),
			Requested: value,
			Actual:    res.Actual,
			Attempt:   n,
		})
		if err != nil {
			return res, fmt.Errorf("waiting for retry decision: %w", err)
		}
		if d != syncer.Retry {
			res.Declined = true
			return res, nil
		}
	}
}

func init() {
	applyCmd.Flags().BoolP("yes", "y", false, "retry automatically on mismatch")
	applyCmd.Flags().Bool("no-retry", false, "never retry on mismatch")
	applyCmd.Flags().Bool("remote", false, "apply through the running daemon")
	applyCmd.Flags().Int("max-attempts", 0, "give up after this many attempts (0 = ask forever; --yes defaults to 5)")
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history [key]",
	Short: "Show recent apply attempts",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		e, err := loadEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		if e.history == nil {
			return fmt.Errorf("apply history requires storage.backend=%s", config.BackendSQLite)
		}

		key := ""
		if len(args) == 1 {
			key = args[0]
		}
		records, err := e.history.ListApplyRecords(key, limit, 0)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		}

		if len(records) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No apply attempts recorded.")
			return nil
		}
		for _, r := range records {
			outcome := r.Outcome
			switch r.Outcome {
			case storage.OutcomeVerified:
				outcome = colorize(colorGreen, outcome)
			case storage.OutcomeMismatch:
				outcome = colorize(colorYellow, outcome)
			default:
				outcome = colorize(colorRed, outcome)
			}
			line := fmt.Sprintf("%s  %-8s %s -> %-4s %s  #%d  %s",
				r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				r.SettingKey, r.Requested, r.Actual, outcome, r.Attempt, r.Source)
			if r.Error != "" {
				line += "  " + r.Error
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "number of records to show")
	historyCmd.Flags().Bool("json", false, "print records as JSON")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "$"+k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:       "set <key> <value>",
	Short:     "Set a configuration value",
	Args:      cobra.ExactArgs(2),
	ValidArgs: config.ValidKeys(),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
