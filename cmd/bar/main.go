package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/org/barvault/internal/container"
	"github.com/org/barvault/internal/crypto"
)

// errReported is returned after the error has already been printed so that
// the process exits non-zero without cobra printing it again.
var errReported = errors.New("reported")

var rootCmd = &cobra.Command{
	Use:           "bar",
	Short:         "Burn-after-reading containers",
	Long:          "Seal files into encrypted containers that expire or self-destruct after a number of views.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errReported) {
			printError(err.Error())
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(sealCmd())
	rootCmd.AddCommand(openCmd())
	rootCmd.AddCommand(inspectCmd())
	rootCmd.AddCommand(shareCmd())
	rootCmd.AddCommand(infoCmd())
	rootCmd.AddCommand(redeemCmd())
	rootCmd.AddCommand(configCmd())
}

func fail(err error) error {
	printError(err.Error())
	return errReported
}

// --- local containers ---

func sealCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seal <file>",
		Short: "Seal a file into a local container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := args[0]
			out, _ := cmd.Flags().GetString("out")
			if out == "" {
				out = in + ".bar"
			}
			params, err := paramsFromFlags(cmd)
			if err != nil {
				return fail(err)
			}
			params.Custody = container.CustodyClient

			password, err := passwordFromFlags(cmd, true)
			if err != nil {
				return fail(err)
			}
			codec, err := localCodec()
			if err != nil {
				return fail(err)
			}
			sealed, err := sealFile(codec, in, out, password, params)
			if err != nil {
				return fail(err)
			}
			if out != "-" {
				printSuccess("sealed " + in + " -> " + out)
			}
			if params.MaxViews > 0 {
				printWarning("view limits on local containers are advisory: copies of the file are not tracked")
			}
			if out != "-" {
				printResult(metadataView(sealed.Metadata))
			}
			return nil
		},
	}
	addSealFlags(cmd)
	cmd.Flags().StringP("out", "o", "", "Output path (default <file>.bar, - for stdout)")
	return cmd
}

func openCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "open <file.bar>",
		Short: "Open a local container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := args[0]
			out, _ := cmd.Flags().GetString("out")
			force, _ := cmd.Flags().GetBool("force")
			bump, _ := cmd.Flags().GetBool("bump")

			codec, err := localCodec()
			if err != nil {
				return fail(err)
			}
			data, err := os.ReadFile(in)
			if err != nil {
				return fail(err)
			}
			meta, _, err := codec.Inspect(data)
			if err != nil {
				return fail(err)
			}
			var password string
			if meta.PasswordProtected {
				if password, err = passwordFromFlags(cmd, false); err != nil {
					return fail(err)
				}
			}

			res, err := openFile(codec, in, password, bump)
			if err != nil {
				return fail(err)
			}
			defer crypto.Zero(res.Plaintext)
			if res.Unsigned {
				printWarning("legacy container without integrity tag: tampering cannot be detected, re-seal it")
			}
			if res.Metadata.MaxViews > 0 {
				printWarning(fmt.Sprintf("view %d of %d is not enforced locally", res.Metadata.CurrentViews+1, res.Metadata.MaxViews))
			}

			if res.Metadata.ViewOnly || out == "-" {
				_, err := os.Stdout.Write(res.Plaintext)
				return err
			}
			if out == "" {
				out = res.Metadata.Filename
			}
			if err := writeNew(out, res.Plaintext, force); err != nil {
				return fail(err)
			}
			printSuccess("wrote " + out)
			return nil
		},
	}
	cmd.Flags().StringP("password", "p", "", "Container password (prompted if needed)")
	cmd.Flags().StringP("out", "o", "", "Output path (default original filename, - for stdout)")
	cmd.Flags().Bool("force", false, "Overwrite an existing output file")
	cmd.Flags().Bool("bump", false, "Increment the embedded view counter and rewrite the container")
	return cmd
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file.bar>",
		Short: "Show container metadata without decrypting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fail(err)
			}
			codec, err := localCodec()
			if err != nil {
				return fail(err)
			}
			meta, version, err := codec.Inspect(data)
			if err != nil {
				return fail(err)
			}
			view := metadataView(*meta)
			view["format_version"] = version
			printWarning("metadata is not verified until the container is opened")
			printResult(view)
			return nil
		},
	}
}

// --- server custody ---

func shareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share <file>",
		Short: "Upload a file for server-custodied sharing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return fail(err)
			}
			params, err := paramsFromFlags(cmd)
			if err != nil {
				return fail(err)
			}
			password, err := passwordFromFlags(cmd, true)
			if err != nil {
				return fail(err)
			}
			client, err := newClient()
			if err != nil {
				return fail(err)
			}
			result, err := client.upload("/v1/seal", filepath.Base(args[0]), content, map[string]string{
				"storage_mode":   string(container.CustodyServer),
				"password":       password,
				"max_views":      strconv.Itoa(params.MaxViews),
				"expiry_minutes": strconv.Itoa(params.ExpiryMinutes),
				"view_only":      strconv.FormatBool(params.ViewOnly),
				"webhook_url":    params.WebhookURL,
			})
			if err != nil {
				return fail(err)
			}
			if p, ok := result["share_path"].(string); ok {
				result["url"] = client.addr + p
			}
			printSuccess("stored on server; the token is shown only once")
			printResult(result)
			return nil
		},
	}
	addSealFlags(cmd)
	return cmd
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <token>",
		Short: "Show what a share token points at without spending a view",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return fail(err)
			}
			result, err := client.get(sharePath(args[0]))
			if err != nil {
				return fail(err)
			}
			printResult(result)
			return nil
		},
	}
}

func redeemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "redeem <token>",
		Short: "Redeem a share token, spending one view",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := args[0]
			out, _ := cmd.Flags().GetString("out")
			force, _ := cmd.Flags().GetBool("force")

			client, err := newClient()
			if err != nil {
				return fail(err)
			}
			info, err := client.get(sharePath(token))
			if err != nil {
				return fail(err)
			}
			body := map[string]any{}
			if protected, _ := info["password_protected"].(bool); protected {
				password, err := passwordFromFlags(cmd, false)
				if err != nil {
					return fail(err)
				}
				body["password"] = password
			}

			result, err := client.post(sharePath(token), body)
			if err != nil {
				return fail(err)
			}
			content, _ := result["content"].(string)
			plaintext, err := base64.StdEncoding.DecodeString(content)
			if err != nil {
				return fail(fmt.Errorf("decoding content: %w", err))
			}
			defer crypto.Zero(plaintext)

			if destroyed, _ := result["destroyed"].(bool); destroyed {
				printWarning("that was the last view: the container has been destroyed")
			} else if remaining, ok := result["views_remaining"].(float64); ok {
				printWarning(fmt.Sprintf("%d view(s) remaining", int(remaining)))
			}

			viewOnly, _ := result["view_only"].(bool)
			if viewOnly || out == "-" {
				_, err := os.Stdout.Write(plaintext)
				return err
			}
			if out == "" {
				out, _ = result["filename"].(string)
			}
			if err := writeNew(out, plaintext, force); err != nil {
				return fail(err)
			}
			printSuccess("wrote " + out)
			return nil
		},
	}
	cmd.Flags().StringP("password", "p", "", "Share password (prompted if needed)")
	cmd.Flags().StringP("out", "o", "", "Output path (default original filename, - for stdout)")
	cmd.Flags().Bool("force", false, "Overwrite an existing output file")
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage CLI configuration"}

	setAddr := &cobra.Command{
		Use:   "set-address <url>",
		Short: "Set the server address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := strings.TrimRight(args[0], "/")
			if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
				return fail(fmt.Errorf("address must start with http:// or https://"))
			}
			cfg.Address = addr
			if err := saveConfig(); err != nil {
				return fail(err)
			}
			printSuccess("address set to " + addr)
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			printResult(map[string]any{
				"address":        cfg.Address,
				"tls_ca_cert":    cfg.TLSCACert,
				"kdf_iterations": cfg.KDFIterations,
				"path":           configPath(),
			})
			return nil
		},
	}

	cmd.AddCommand(setAddr, show)
	return cmd
}

// --- helpers ---

func addSealFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("password", "p", "", "Protect with a password (use - to prompt)")
	cmd.Flags().Int("max-views", 0, "Destroy after this many views (0 = unlimited)")
	cmd.Flags().Int("expires", 0, "Expire after this many minutes (0 = never)")
	cmd.Flags().Bool("view-only", false, "Content may only be displayed, not saved")
	cmd.Flags().String("webhook", "", "URL notified on access and destruction")
	cmd.Flags().String("name", "", "Filename stored in the container (default base name of <file>)")
}

func paramsFromFlags(cmd *cobra.Command) (container.Params, error) {
	var p container.Params
	p.MaxViews, _ = cmd.Flags().GetInt("max-views")
	p.ExpiryMinutes, _ = cmd.Flags().GetInt("expires")
	p.ViewOnly, _ = cmd.Flags().GetBool("view-only")
	p.WebhookURL, _ = cmd.Flags().GetString("webhook")
	p.Filename, _ = cmd.Flags().GetString("name")
	if p.MaxViews < 0 || p.MaxViews > container.MaxViewsLimit {
		return p, fmt.Errorf("--max-views must be between 0 and %d", container.MaxViewsLimit)
	}
	if p.ExpiryMinutes < 0 || p.ExpiryMinutes > container.MaxExpiryMinutes {
		return p, fmt.Errorf("--expires must be between 0 and %d minutes", container.MaxExpiryMinutes)
	}
	return p, nil
}

// passwordFromFlags returns the --password value. "-" prompts. When
// sealing (confirm set) an unset flag means no password; when opening it
// means prompt.
func passwordFromFlags(cmd *cobra.Command, confirm bool) (string, error) {
	pw, _ := cmd.Flags().GetString("password")
	switch {
	case pw == "-":
		return promptPassword(confirm)
	case pw != "":
		return pw, nil
	case confirm:
		return os.Getenv("BAR_PASSWORD"), nil
	default:
		return promptPassword(false)
	}
}
