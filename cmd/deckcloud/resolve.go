package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deckcloud/deckcloud/internal/netdisk"
)

var (
	resolveAccessCode string
	resolveCookie     string
	resolveJSON       bool
)

func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve SHARE_URL",
		Short: "Resolve a share link and list the files behind it",
		Long: `Resolve a cloud.189.cn share link through the full fallback chain and
print the file list. On failure the per-attempt diagnostics are printed so
the failing endpoint and response shape are visible.`,
		Example: `  deckcloud resolve https://cloud.189.cn/t/QzUZZvmYFjYb
  deckcloud resolve https://cloud.189.cn/t/QzUZZvmYFjYb --access-code dx8s --json`,
		Args: cobra.ExactArgs(1),
		RunE: resolveRun,
	}

	cmd.Flags().StringVar(&resolveAccessCode, "access-code", "", "share access code")
	cmd.Flags().StringVar(&resolveCookie, "cookie", "", "session cookie for restricted shares")
	cmd.Flags().BoolVar(&resolveJSON, "json", false, "print the result as JSON")

	return cmd
}

func resolveRun(cmd *cobra.Command, args []string) error {
	shareURL := args[0]
	if resolveAccessCode != "" {
		if ref, err := netdisk.ParseShareReference(shareURL); err == nil && ref.AccessCode == "" {
			ref.AccessCode = resolveAccessCode
			shareURL = ref.URL()
		}
	}

	resolved, err := newResolver().Resolve(cmd.Context(), shareURL, resolveCookie)
	if err != nil {
		var resolveErr *netdisk.ResolveError
		if errors.As(err, &resolveErr) {
			fmt.Fprintf(os.Stderr, "resolution failed: %s\n", resolveErr.Message)
			if resolveErr.NeedsAccessCode {
				fmt.Fprintln(os.Stderr, "the share likely requires an access code (--access-code)")
			}
			for i, a := range resolveErr.Attempts {
				fmt.Fprintf(os.Stderr, "  %2d. [%s] %s %s -> %d %s\n",
					i+1, a.Step, a.Method, a.Endpoint, a.Status, a.Message)
			}
		}
		return err
	}

	if resolveJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resolved)
	}

	fmt.Printf("share %s (id %s), %d entries:\n", resolved.ShareCode, resolved.ShareID, len(resolved.Files))
	for _, f := range resolved.Files {
		kind := "file"
		if f.IsFolder {
			kind = "dir "
		}
		fmt.Printf("  %s  %12d  %s\n", kind, f.Size, f.Name)
	}
	return nil
}
