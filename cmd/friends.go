package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/baderanaas/GoLobby/pkg/social"
	"github.com/spf13/cobra"
)

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "Manage the local friend list",
}

var friendsAddCmd = &cobra.Command{
	Use:   "add <name> <user-id>",
	Short: "Add a friend",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := openFriends()
		if err != nil {
			return err
		}
		if err := list.Add(args[0], args[1]); err != nil {
			return err
		}
		if err := list.Save(); err != nil {
			return err
		}
		fmt.Printf("Added %s\n", args[0])
		return nil
	},
}

var friendsRemoveCmd = &cobra.Command{
	Use:   "remove <user-id>",
	Short: "Remove a friend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := openFriends()
		if err != nil {
			return err
		}
		if !list.Remove(args[0]) {
			return fmt.Errorf("no friend with user id %s", args[0])
		}
		return list.Save()
	},
}

var friendsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List friends",
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := openFriends()
		if err != nil {
			return err
		}
		friends := list.All()
		if len(friends) == 0 {
			fmt.Println("No friends yet")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tUSER ID")
		for _, f := range friends {
			fmt.Fprintf(w, "%s\t%s\n", f.Name, f.UserID)
		}
		return w.Flush()
	},
}

func init() {
	friendsCmd.AddCommand(friendsAddCmd, friendsRemoveCmd, friendsListCmd)
	rootCmd.AddCommand(friendsCmd)
}

func openFriends() (*social.List, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return social.Open(cfg.FriendsPath())
}
