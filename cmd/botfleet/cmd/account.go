package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/galadd/botfleet/internal/api"
	"github.com/galadd/botfleet/internal/secrets"
)

var (
	accountKey     string
	accountSecret  string
	accountCapital float64
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage exchange accounts bound to users",
}

var accountBindCmd = &cobra.Command{
	Use:   "bind <user-id>",
	Short: "Store a user's exchange credentials and capital ceiling",
	Long: `bind stores the exchange API key and secret the user's bot trades with. When the
flags are omitted the values are read from FT_API_KEY and FT_API_SECRET, which keeps them
out of the shell history. The change applies the next time the service is started.`,
	Args: cobra.ExactArgs(1),
	RunE: runAccountBind,
}

func init() {
	rootCmd.AddCommand(accountCmd)
	accountCmd.AddCommand(accountBindCmd)

	accountBindCmd.Flags().StringVar(&accountKey, "key", "", "exchange API key")
	accountBindCmd.Flags().StringVar(&accountSecret, "secret", "", "exchange API secret")
	accountBindCmd.Flags().Float64Var(&accountCapital, "capital", 0, "maximum capital the bot may use (0 uses the fleet default)")
}

func runAccountBind(cmd *cobra.Command, args []string) error {
	uid, err := userArg(args[0])
	if err != nil {
		return err
	}

	if accountKey == "" {
		accountKey = os.Getenv(secrets.EnvAPIKey)
	}
	if accountSecret == "" {
		accountSecret = os.Getenv(secrets.EnvAPISecret)
	}
	if accountKey == "" || accountSecret == "" {
		return errors.New("both --key and --secret are required")
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	view, err := client.BindAccount(cmd.Context(), uid, api.AccountRequest{
		APIKey:     accountKey,
		Secret:     accountSecret,
		MaxCapital: accountCapital,
	})
	if err != nil {
		return err
	}

	if isJSONOutput() {
		return printJSON(view)
	}
	fmt.Printf("account bound for user %s (key %s, capital %g)\n", view.UserID, view.APIKey, view.MaxCapital)
	return nil
}
