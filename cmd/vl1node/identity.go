package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/identity"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage node identities",
}

var identityNewCmd = &cobra.Command{
	Use:   "new [path]",
	Short: "Generate an identity and save it with its secret keys",
	Long: `Generate a new identity. The secret form is written to path (default
identity.secret) with owner-only permissions and the address is printed.

Examples:
  vl1node identity new
  vl1node identity new /var/lib/vl1/identity.secret`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "identity.secret"
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		id, err := identity.Generate()
		if err != nil {
			return err
		}
		if err := saveIdentity(path, id); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id.Address())
		return nil
	},
}

var identityShowCmd = &cobra.Command{
	Use:   "show <path>",
	Short: "Print the address and public identity stored at path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := loadIdentity(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "address:  %s\nidentity: %s\n", id.Address(), id.String())
		return nil
	},
}

func init() {
	identityCmd.AddCommand(identityNewCmd)
	identityCmd.AddCommand(identityShowCmd)
}

func saveIdentity(path string, id *identity.Identity) error {
	return os.WriteFile(path, []byte(id.SecretString()+"\n"), 0o600)
}

func loadIdentity(path string) (*identity.Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return identity.ParseIdentity(strings.TrimSpace(string(data)))
}

// loadOrCreateIdentity loads the identity at path, generating one on first start.
func loadOrCreateIdentity(path string) (*identity.Identity, bool, error) {
	id, err := loadIdentity(path)
	if err == nil {
		if !id.HasSecret() {
			return nil, false, fmt.Errorf("%s holds no secret keys", path)
		}
		return id, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	if id, err = identity.Generate(); err != nil {
		return nil, false, err
	}
	return id, true, saveIdentity(path, id)
}
