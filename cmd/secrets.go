package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"shipyard/common"
	"shipyard/services"
)

var (
	secretsNewPassFile string
	generateFormat     string
	generateLength     int
	generateUser       string
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage the encrypted secret store",
}

var secretsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an empty encrypted store",
	RunE: func(cmd *cobra.Command, args []string) error {
		pass, err := services.ReadVaultPassphrase(cfg)
		if err != nil {
			return err
		}
		if _, err := services.CreateVault(cfg.VaultPath, pass); err != nil {
			return common.Wrap(common.KindPrecondition, err)
		}
		fmt.Printf("created %s\n", cfg.VaultPath)
		return nil
	},
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List secret names without values",
	RunE: func(cmd *cobra.Command, args []string) error {
		vault, err := openVault()
		if err != nil {
			return err
		}
		for _, k := range vault.Keys() {
			fmt.Println(k)
		}
		return nil
	},
}

var secretsGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one secret value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vault, err := openVault()
		if err != nil {
			return err
		}
		val, err := vault.Get(args[0])
		if err != nil {
			return err
		}
		fmt.Println(val)
		return nil
	},
}

var secretsSetCmd = &cobra.Command{
	Use:   "set <key> [value]",
	Short: "Store a secret value",
	Long: `Store a secret value under a key. When the value argument is omitted it
is read from stdin, so generated credentials can be piped in without landing
in shell history.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pass, err := services.ReadVaultPassphrase(cfg)
		if err != nil {
			return err
		}
		vault, err := services.OpenVault(cfg.VaultPath, pass)
		if err != nil {
			return err
		}
		value, err := secretValueArg(args)
		if err != nil {
			return err
		}
		vault.Set(args[0], value)
		if err := vault.Save(pass); err != nil {
			return err
		}
		fmt.Printf("stored %s\n", args[0])
		return nil
	},
}

var secretsRekeyCmd = &cobra.Command{
	Use:   "rekey",
	Short: "Re-encrypt the store under a new passphrase",
	RunE: func(cmd *cobra.Command, args []string) error {
		oldPass, err := services.ReadVaultPassphrase(cfg)
		if err != nil {
			return err
		}
		newPass, err := readNewPassphrase()
		if err != nil {
			return err
		}
		if err := services.RekeyVault(cfg.VaultPath, oldPass, newPass); err != nil {
			return err
		}
		fmt.Printf("rekeyed %s\n", cfg.VaultPath)
		return nil
	},
}

var secretsGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a credential suitable for a vault entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		switch generateFormat {
		case "hex":
			val, err := services.RandomHex(generateLength)
			if err != nil {
				return common.Wrap(common.KindPrecondition, err)
			}
			fmt.Println(val)
		case "bcrypt":
			raw, err := services.RandomHex(generateLength)
			if err != nil {
				return common.Wrap(common.KindPrecondition, err)
			}
			hash, err := services.BcryptHash(raw)
			if err != nil {
				return err
			}
			fmt.Printf("password: %s\nhash:     %s\n", raw, hash)
		case "htpasswd":
			if generateUser == "" {
				return common.E(common.KindPrecondition, "--user is required for htpasswd output")
			}
			raw, err := services.RandomHex(generateLength)
			if err != nil {
				return common.Wrap(common.KindPrecondition, err)
			}
			entry, err := services.HtpasswdEntry(generateUser, raw)
			if err != nil {
				return err
			}
			fmt.Printf("password: %s\nentry:    %s\n", raw, entry)
		default:
			return common.E(common.KindPrecondition, "unknown format %q (want hex, bcrypt or htpasswd)", generateFormat)
		}
		return nil
	},
}

func init() {
	secretsRekeyCmd.Flags().StringVar(&secretsNewPassFile, "new-pass-file", "", "file holding the replacement passphrase")
	secretsGenerateCmd.Flags().StringVar(&generateFormat, "format", "hex", "output format: hex, bcrypt or htpasswd")
	secretsGenerateCmd.Flags().IntVar(&generateLength, "length", 24, "random bytes before encoding")
	secretsGenerateCmd.Flags().StringVar(&generateUser, "user", "", "username for htpasswd output")

	secretsCmd.AddCommand(secretsInitCmd, secretsListCmd, secretsGetCmd,
		secretsSetCmd, secretsRekeyCmd, secretsGenerateCmd)
	rootCmd.AddCommand(secretsCmd)
}

func openVault() (*services.Vault, error) {
	pass, err := services.ReadVaultPassphrase(cfg)
	if err != nil {
		return nil, err
	}
	return services.OpenVault(cfg.VaultPath, pass)
}

func secretValueArg(args []string) (string, error) {
	if len(args) == 2 {
		return args[1], nil
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "Secret value: ")
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	b, err := os.ReadFile("/dev/stdin")
	if err != nil {
		return "", common.E(common.KindPrecondition, "no value argument and stdin unreadable: %v", err)
	}
	value := strings.TrimSpace(string(b))
	if value == "" {
		return "", common.E(common.KindPrecondition, "empty secret value")
	}
	return value, nil
}

func readNewPassphrase() (string, error) {
	if secretsNewPassFile != "" {
		b, err := os.ReadFile(secretsNewPassFile)
		if err != nil {
			return "", common.E(common.KindPrecondition, "new pass file not readable: %v", err)
		}
		pass := strings.TrimSpace(string(b))
		if pass == "" {
			return "", common.E(common.KindPrecondition, "new pass file %s is empty", secretsNewPassFile)
		}
		return pass, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", common.E(common.KindPrecondition, "--new-pass-file required when stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "New vault passphrase: ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	pass := strings.TrimSpace(string(b))
	if pass == "" {
		return "", common.E(common.KindPrecondition, "empty passphrase")
	}
	return pass, nil
}
