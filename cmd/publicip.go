package main

import (
	"context"
	"fmt"

	"github.com/baderanaas/GoLobby/pkg/netutil"
	"github.com/spf13/cobra"
)

var publicIPCmd = &cobra.Command{
	Use:   "public-ip",
	Short: "Show the public address other peers would dial",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		r := &netutil.Resolver{}
		ip, err := r.PublicIP(ctx)
		if err != nil {
			return err
		}
		fmt.Println(ip)
		if cfg.ListenPort == 0 {
			return nil
		}
		addrs, err := netutil.PublicAddrs(ip, cfg.ListenPort)
		if err != nil {
			return err
		}
		for _, addr := range addrs {
			fmt.Println(addr)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(publicIPCmd)
}
