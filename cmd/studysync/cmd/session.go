package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/studysync/internal/cloud"
)

var assumeYes bool

var signInCmd = &cobra.Command{
	Use:   "signin",
	Short: "Start a session with the sync provider",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		return withApp(ctx, func(a *app) error {
			m, err := a.syncing()
			if err != nil {
				return err
			}
			var in cloud.Interaction = confirmPrompt{}
			if assumeYes {
				in = cloud.Confirmed{}
			}
			ok, err := m.SignIn(ctx, in)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("sign-in cancelled")
				return nil
			}
			fmt.Printf("signed in to %s\n", a.adapter.Name())
			return nil
		})
	},
}

var signOutCmd = &cobra.Command{
	Use:   "signout",
	Short: "End the session with the sync provider",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		return withApp(ctx, func(a *app) error {
			m, err := a.syncing()
			if err != nil {
				return err
			}
			if err := m.SignOut(ctx); err != nil {
				return err
			}
			fmt.Printf("signed out of %s\n", a.adapter.Name())
			return nil
		})
	},
}

func init() {
	signInCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")

	rootCmd.AddCommand(signInCmd)
	rootCmd.AddCommand(signOutCmd)
}
