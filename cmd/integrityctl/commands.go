package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gyaneshwarpardhi/linkreach/internal/checksum"
	"github.com/gyaneshwarpardhi/linkreach/internal/integrity"
)

var errCheckFailed = errors.New("integrity check failed")

type options struct {
	pretty  bool
	version string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "integrityctl",
		Short:         "Verify checksums and restore backups of linkreach data",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&opts.pretty, "pretty", false, "indent JSON output even when stdout is not a terminal")
	root.PersistentFlags().StringVar(&opts.version, "data-version", integrity.DefaultVersion, "version stamped on new integrity checks")

	root.AddCommand(
		checksumCmd(opts),
		sealCmd(opts),
		verifyCmd(opts),
		verifyBackupCmd(opts),
		restoreCmd(opts),
	)
	return root
}

func (o *options) validator() *integrity.Validator {
	return integrity.New(integrity.WithVersion(o.version))
}

func checksumCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "checksum FILE",
		Short: "Print the canonical checksum of a JSON document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var doc interface{}
			if err := readJSON(args[0], &doc); err != nil {
				return err
			}
			sum, err := checksum.Sum(doc)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), map[string]string{
				"file":      args[0],
				"algorithm": checksum.Algorithm,
				"checksum":  sum,
			})
		},
	}
}

func sealCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "seal FILE",
		Short: "Add integrity fields to a JSON record and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec map[string]interface{}
			if err := readJSON(args[0], &rec); err != nil {
				return err
			}
			sealed, err := opts.validator().AddIntegrityCheck(rec)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), sealed)
		},
	}
}

func verifyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify FILE",
		Short: "Check a sealed JSON record and name any corrupted fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec map[string]interface{}
			if err := readJSON(args[0], &rec); err != nil {
				return err
			}
			report := opts.validator().DetectCorruption(rec)
			if err := opts.print(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if report.Corrupted {
				return errCheckFailed
			}
			return nil
		},
	}
}

func verifyBackupCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-backup FILE",
		Short: "Verify a backup document against its stored checksum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var b integrity.Backup
			if err := readJSON(args[0], &b); err != nil {
				return err
			}
			valid := opts.validator().VerifyBackupIntegrity(&b)
			if err := opts.print(cmd.OutOrStdout(), map[string]interface{}{
				"backupId": b.Metadata.BackupID,
				"type":     b.Metadata.Type,
				"valid":    valid,
			}); err != nil {
				return err
			}
			if !valid {
				return errCheckFailed
			}
			return nil
		},
	}
}

func restoreCmd(opts *options) *cobra.Command {
	var basePath string
	cmd := &cobra.Command{
		Use:   "restore FILE",
		Short: "Verify a backup and print the restored data",
		Long: "Verify a backup and print the restored data. Incremental backups need\n" +
			"the full backup they are based on, passed with --base.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var b integrity.Backup
			if err := readJSON(args[0], &b); err != nil {
				return err
			}
			v := opts.validator()

			var res integrity.RestoreResult
			switch {
			case basePath != "":
				var base integrity.Backup
				if err := readJSON(basePath, &base); err != nil {
					return err
				}
				res = v.RestoreIncremental(&base, &b)
			case b.BasedOn != "":
				return fmt.Errorf("%s is incremental (based on %s); pass --base", args[0], b.BasedOn)
			default:
				res = v.RestoreFromBackup(&b)
			}

			if err := opts.print(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Success {
				return errCheckFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&basePath, "base", "", "full backup an incremental backup is based on")
	return cmd
}

func readJSON(path string, dst interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// print writes v as JSON, indented when w is a terminal or --pretty is set.
func (o *options) print(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	if o.pretty || isTerminal(w) {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
