package cli

import (
	"fmt"
	"time"

	"livedesk/internal/config"
	"livedesk/internal/middleware"

	"github.com/spf13/cobra"
)

var (
	flagStaffID   string
	flagStaffName string
	flagTTLMin    int
)

// tokenCmd 为客服签发 HS256 JWT（测试/运维用）
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a staff JWT (HS256) for API authentication",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		secret := cfg.Auth.Secret
		if secret == "" {
			secret = config.GetDefaultConfig().Auth.Secret
		}
		if flagStaffID == "" {
			return fmt.Errorf("--staff-id is required")
		}
		ttl := time.Duration(flagTTLMin) * time.Minute
		if ttl <= 0 {
			ttl = cfg.Auth.ExpiresIn
		}
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		tok, err := middleware.GenerateHS256JWT(secret, flagStaffID, flagStaffName, ttl)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&flagStaffID, "staff-id", "", "staff identifier (subject)")
	tokenCmd.Flags().StringVar(&flagStaffName, "staff-name", "", "display name embedded in the token")
	tokenCmd.Flags().IntVar(&flagTTLMin, "ttl", 0, "token lifetime in minutes (default from config)")
	rootCmd.AddCommand(tokenCmd)
}
