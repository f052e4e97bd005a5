package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-assistant/internal/config"
)

var (
	envFile    string
	configFile string
	version    = "dev"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "assistant",
	Short: "Realtime voice assistant client",
	Long: `A client for a realtime assistant backend.

It keeps three WebSocket channels (dialogue, text-to-speech, speech-to-text)
connected, records microphone audio, sends it for recognition and plays
synthesized replies.

Quick Start:
  assistant chat                  # interactive terminal session
  assistant serve                 # local HTTP API with an SSE event stream
  assistant serve --config a.yml  # load settings from a YAML file`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadEnvFile(envFile)
		if configFile != "" {
			_ = os.Setenv(config.FileEnv, configFile)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fatal(err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "Dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", fmt.Sprintf("YAML config file (overrides $%s)", config.FileEnv))

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	rootCmd.AddCommand(serveCmd, chatCmd)
}

// loadEnvFile 加载 dotenv 文件，已存在的环境变量不会被覆盖
func loadEnvFile(path string) {
	if path == "" {
		return
	}
	if err := godotenv.Load(path); err != nil {
		log.Printf("warning: failed to load %s: %v", path, err)
		log.Println("continuing with system environment variables only")
	}
}
