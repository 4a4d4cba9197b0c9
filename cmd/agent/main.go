package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"vaultsync-server/internal/agent"
)

var (
	serverURL   string
	serviceName string
	verbose     bool

	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "vaultsync-agent",
	Short: "Device key agent for Vaultsync",
	Long: `vaultsync-agent registers this device with a Vaultsync server, keeps the
device private key and wrapped key material in the platform secure store,
and decrypts synced content locally.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := zerolog.WarnLevel
		if verbose {
			level = zerolog.DebugLevel
		}
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(level).
			With().Timestamp().Logger()
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this device using a grant code",
	RunE: func(cmd *cobra.Command, args []string) error {
		grantCode, _ := cmd.Flags().GetString("grant")
		deviceName, _ := cmd.Flags().GetString("name")
		if grantCode == "" {
			return fmt.Errorf("--grant is required")
		}
		if deviceName == "" {
			hostname, err := os.Hostname()
			if err != nil {
				return fmt.Errorf("--name is required when the hostname cannot be determined")
			}
			deviceName = hostname
		}

		a, err := newAgent()
		if err != nil {
			return err
		}

		stored, err := a.GetStored()
		if err != nil {
			return err
		}
		if stored != "" {
			return fmt.Errorf("this device is already registered, run 'vaultsync-agent clear' first")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		result, err := a.Register(ctx, grantCode, deviceName)
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}

		logger.Debug().
			Str("device_id", result.DeviceID).
			Str("user_id", result.UserID).
			Msg("device registered")

		fmt.Printf("Device registered as %q (id %s)\n", deviceName, result.DeviceID)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether this device holds key material",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newAgent()
		if err != nil {
			return err
		}

		stored, err := a.GetStored()
		if err != nil {
			return err
		}
		if stored == "" {
			fmt.Println("Not registered")
			return nil
		}
		fmt.Println("Registered: wrapped key material present in the secure store")
		return nil
	},
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt [blob]",
	Short: "Decrypt a content blob and print the plaintext",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newAgent()
		if err != nil {
			return err
		}

		plaintext, err := a.DecryptContent(args[0])
		if err != nil {
			return fmt.Errorf("decryption failed: %w", err)
		}

		os.Stdout.Write(plaintext)
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the device key and wrapped key material from this machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newAgent()
		if err != nil {
			return err
		}
		if err := a.Clear(); err != nil {
			return err
		}
		fmt.Println("Local device state cleared")
		return nil
	},
}

func newAgent() (*agent.Agent, error) {
	store, err := agent.NewKeyringStore(serviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open secure store: %w", err)
	}
	return agent.New(store, agent.NewAPIClient(serverURL)), nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Vaultsync server base URL")
	rootCmd.PersistentFlags().StringVar(&serviceName, "service", "vaultsync", "secure store service name")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	registerCmd.Flags().String("grant", "", "one-time grant code issued by an authenticated session")
	registerCmd.Flags().String("name", "", "device name shown in the device list (defaults to hostname)")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(decryptCmd)
	rootCmd.AddCommand(clearCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
